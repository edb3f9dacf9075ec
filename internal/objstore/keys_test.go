package objstore_test

import (
	"testing"

	"github.com/kiranshivaraju/gas/internal/objstore"
	"github.com/stretchr/testify/assert"
)

func TestResultKeys(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		input   string
		wantRes string
		wantLog string
	}{
		{"plain", "chenhui1/", "free_1.vcf", "chenhui1/u1/j1~free_1.annot.vcf", "chenhui1/u1/j1~free_1.vcf.count.log"},
		{"no prefix", "", "sample.vcf", "u1/j1~sample.annot.vcf", "u1/j1~sample.vcf.count.log"},
		{"multiple dots", "p/", "a.b.vcf", "p/u1/j1~a.annot.vcf", "p/u1/j1~a.vcf.count.log"},
		{"no extension", "p/", "sample", "p/u1/j1~sample.annot.vcf", "p/u1/j1~sample.vcf.count.log"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, log := objstore.ResultKeys(tt.prefix, "u1", "j1", tt.input)
			assert.Equal(t, tt.wantRes, res)
			assert.Equal(t, tt.wantLog, log)
		})
	}
}

func TestResultFileNames(t *testing.T) {
	res, log := objstore.ResultFileNames("free_1.vcf")
	assert.Equal(t, "free_1.annot.vcf", res)
	assert.Equal(t, "free_1.vcf.count.log", log)
}
