package snapllm

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/snapllm/snapllm-go/util/funcx"
	"github.com/snapllm/snapllm-go/util/ptr"
)

// GGUFFilename represents a GGUF filename,
// see https://github.com/ggerganov/ggml/blob/master/docs/gguf.md#gguf-naming-convention.
type GGUFFilename struct {
	BaseName   string `json:"baseName"`
	SizeLabel  string `json:"sizeLabel"`
	FineTune   string `json:"fineTune"`
	Version    string `json:"version"`
	Encoding   string `json:"encoding"`
	Type       string `json:"type"`
	Shard      *int   `json:"shard,omitempty"`
	ShardTotal *int   `json:"shardTotal,omitempty"`
}

var GGUFFilenameRegex = regexp.MustCompile(`^(?P<BaseName>[A-Za-z\s][A-Za-z0-9._\s]*(?:(?:-(?:(?:[A-Za-z\s][A-Za-z0-9._\s]*)|(?:[0-9._\s]*)))*))-(?:(?P<SizeLabel>(?:\d+x)?(?:\d+\.)?\d+[A-Za-z](?:-[A-Za-z]+(\d+\.)?\d+[A-Za-z]+)?)(?:-(?P<FineTune>[A-Za-z][A-Za-z0-9\s_-]+[A-Za-z](?i:[^BFKIQ])))?)?(?:-(?P<Version>[vV]\d+(?:\.\d+)*))?(?i:-(?P<Encoding>(BF16|F32|F16|MXFP4|([KI]?Q[0-9][A-Z0-9_]*))))?(?:-(?P<Type>LoRA|vocab))?(?:-(?P<Shard>\d{5})-of-(?P<ShardTotal>\d{5}))?\.gguf$`) // nolint:lll

// ParseGGUFFilename parses the given GGUF filename string,
// and returns the GGUFFilename, or nil if the filename is invalid.
func ParseGGUFFilename(name string) *GGUFFilename {
	n := name
	if !strings.HasSuffix(n, ".gguf") {
		n += ".gguf"
	}

	m := make(map[string]string)
	{
		r := GGUFFilenameRegex.FindStringSubmatch(n)
		for i, ne := range GGUFFilenameRegex.SubexpNames() {
			if i != 0 && i <= len(r) {
				m[ne] = r[i]
			}
		}
	}
	if m["BaseName"] == "" {
		return nil
	}

	var gn GGUFFilename
	gn.BaseName = strings.ReplaceAll(m["BaseName"], "-", " ")
	gn.SizeLabel = m["SizeLabel"]
	gn.FineTune = m["FineTune"]
	gn.Version = m["Version"]
	gn.Encoding = m["Encoding"]
	gn.Type = m["Type"]
	if v := m["Shard"]; v != "" {
		gn.Shard = ptr.To(parseInt(v))
	}
	if v := m["ShardTotal"]; v != "" {
		gn.ShardTotal = ptr.To(parseInt(v))
	}
	return &gn
}

func (gn GGUFFilename) String() string {
	if gn.BaseName == "" {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(strings.ReplaceAll(gn.BaseName, " ", "-"))
	if gn.SizeLabel != "" {
		sb.WriteString("-")
		sb.WriteString(gn.SizeLabel)
	}
	if gn.FineTune != "" {
		sb.WriteString("-")
		sb.WriteString(gn.FineTune)
	}
	if gn.Version != "" {
		sb.WriteString("-")
		sb.WriteString(gn.Version)
	}
	if gn.Encoding != "" {
		sb.WriteString("-")
		sb.WriteString(gn.Encoding)
	}
	if gn.Type != "" {
		sb.WriteString("-")
		sb.WriteString(gn.Type)
	}
	if m, n := ptr.Deref(gn.Shard, 0), ptr.Deref(gn.ShardTotal, 0); m > 0 && n > 0 {
		sb.WriteString("-")
		sb.WriteString(fmt.Sprintf("%05d", m))
		sb.WriteString("-of-")
		sb.WriteString(fmt.Sprintf("%05d", n))
	}
	sb.WriteString(".gguf")
	return sb.String()
}

// IsShard returns true if the GGUF filename is a shard.
func (gn GGUFFilename) IsShard() bool {
	return ptr.Deref(gn.Shard, 0) > 0 && ptr.Deref(gn.ShardTotal, 0) > 0
}

// _QuantTokens are the quantization tags recognized in source filenames,
// each listed before the shorter tags it contains, so e.g. Q5_K_M wins
// over Q5_K and BF16 over F16.
var _QuantTokens = []string{
	"Q4_K_M", "Q4_K_S", "Q5_K_M", "Q5_K_S", "Q3_K_L", "Q3_K_M", "Q3_K_S",
	"Q2_K", "Q3_K", "Q4_K", "Q5_K", "Q6_K", "Q8_K",
	"Q4_0", "Q4_1", "Q5_0", "Q5_1", "Q8_0", "Q8_1",
	"MXFP4", "BF16", "F16", "F32",
}

// DetectQuantType derives the quantization tag from a source weights path.
//
// The GGUF naming convention is tried first; otherwise the filename is
// scanned for known tags, case-insensitive. Unrecognized files are
// recorded as F32.
func DetectQuantType(path string) string {
	base := filepath.Base(path)

	if gn := ParseGGUFFilename(base); gn != nil && gn.Encoding != "" {
		return strings.ToUpper(gn.Encoding)
	}

	u := strings.ToUpper(base)
	for _, tok := range _QuantTokens {
		if strings.Contains(u, tok) {
			return tok
		}
	}
	return "F32"
}

// ExtractModelName derives a workspace-friendly model name from a source
// weights path. Names following the GGUF naming convention yield their
// base name and size label; other names yield the base filename with its
// extension removed and everything from the last occurrence of its quant
// tag onward dropped, along with the separators before it.
func ExtractModelName(path string) string {
	base := filepath.Base(path)

	if gn := ParseGGUFFilename(base); gn != nil && gn.BaseName != "" {
		n := strings.ReplaceAll(gn.BaseName, " ", "-")
		if gn.SizeLabel != "" {
			n += "-" + gn.SizeLabel
		}
		return n
	}

	n := strings.TrimSuffix(base, filepath.Ext(base))
	if q := DetectQuantType(path); q != "F32" {
		// Drop a trailing quant tag in any case combination.
		if i := strings.LastIndex(strings.ToUpper(n), q); i > 0 {
			n = strings.TrimRight(n[:i], "-._")
		}
	}
	return n
}

func parseInt(v string) int {
	return int(funcx.MustNoError(strconv.ParseInt(v, 10, 64)))
}
