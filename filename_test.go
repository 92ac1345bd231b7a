package snapllm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/snapllm/snapllm-go/util/ptr"
)

func TestParseGGUFFilename(t *testing.T) {
	cases := []struct {
		given    string
		expected *GGUFFilename
	}{
		{
			given: "Mixtral-8x7B-V0.1-KQ2.gguf",
			expected: &GGUFFilename{
				BaseName:  "Mixtral",
				SizeLabel: "8x7B",
				Version:   "V0.1",
				Encoding:  "KQ2",
			},
		},
		{
			given: "Grok-100B-v1.0-Q4_0-00003-of-00009.gguf",
			expected: &GGUFFilename{
				BaseName:   "Grok",
				SizeLabel:  "100B",
				Version:    "v1.0",
				Encoding:   "Q4_0",
				Shard:      ptr.To(3),
				ShardTotal: ptr.To(9),
			},
		},
		{
			given: "Hermes-2-Pro-Llama-3-8B-F16.gguf",
			expected: &GGUFFilename{
				BaseName:  "Hermes 2 Pro Llama 3",
				SizeLabel: "8B",
				Encoding:  "F16",
			},
		},
		{
			given: "gpt-oss-20B-MXFP4.gguf",
			expected: &GGUFFilename{
				BaseName:  "gpt oss",
				SizeLabel: "20B",
				Encoding:  "MXFP4",
			},
		},
		{
			given:    "not a gguf name",
			expected: nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.given, func(t *testing.T) {
			assert.Equal(t, tc.expected, ParseGGUFFilename(tc.given))
		})
	}
}

func TestGGUFFilenameString(t *testing.T) {
	gn := GGUFFilename{
		BaseName:  "Llama 3",
		SizeLabel: "8B",
		Version:   "v1.0",
		Encoding:  "Q8_0",
	}
	assert.Equal(t, "Llama-3-8B-v1.0-Q8_0.gguf", gn.String())

	sharded := GGUFFilename{
		BaseName:   "Grok",
		SizeLabel:  "100B",
		Encoding:   "Q4_0",
		Shard:      ptr.To(3),
		ShardTotal: ptr.To(9),
	}
	assert.Equal(t, "Grok-100B-Q4_0-00003-of-00009.gguf", sharded.String())
	assert.True(t, sharded.IsShard())
}
