package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSimilarDescriptions(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"Deploy nginx container", "deploy NGINX container on port 80", true},
		{"deploy nginx container on port 80", "nginx container", true},
		{"create postgres database", "provision postgres database cluster", true},
		{"create postgres database", "deploy redis cache", false},
		{"deploy the web app", "deploy the api", true},
		{"deploy the web app", "scale the api", false},
		{"", "", true},
		{"", "deploy nginx", false},
		{"a b c", "x y z", false},
	}
	for _, tt := range tests {
		t.Run(tt.a+"|"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, similarDescriptions(tt.a, tt.b))
			assert.Equal(t, tt.want, similarDescriptions(tt.b, tt.a), "must be symmetric")
		})
	}
}

func TestKeywords_DropsShortTokensAndStopwords(t *testing.T) {
	kw := keywords("deploy the app to k8s, with 3 replicas")
	assert.Equal(t, map[string]bool{"deploy": true, "app": true, "k8s": true, "replicas": true}, kw)
}
