package console

import (
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/encoding/unicode"
)

// replacementChar is what every x/text decoder emits for an invalid sequence.
const replacementChar = "�"

// Encoding names reported in Decoded.Encoding.
const (
	EncodingUTF8    = "utf-8"
	EncodingGBK     = "gbk"
	EncodingBig5    = "big5"
	EncodingUTF16LE = "utf-16le"
	EncodingLossy   = "utf-8-lossy"
)

// Decoded is the outcome of decoding one chunk of process output.
type Decoded struct {
	Text     string
	Encoding string
	// Exhausted is set when no encoding produced clean text and the result
	// carries replacement characters. It is informational, never an error.
	Exhausted bool
}

type candidate struct {
	name string
	enc  encoding.Encoding // nil means UTF-8 validated in place
}

// Decoder turns raw bytes into valid UTF-8 by trying a fixed, ordered list of
// encodings. It holds no per-stream state and is safe for concurrent use.
type Decoder struct {
	candidates []candidate
	detect     bool
}

// NewDecoder returns a decoder using the default priority list: UTF-8, then
// the regional multi-byte encodings most likely on a Chinese-locale host,
// then UTF-16LE, then a charset-detection guess.
func NewDecoder() *Decoder {
	return &Decoder{
		candidates: []candidate{
			{name: EncodingUTF8},
			{name: EncodingGBK, enc: simplifiedchinese.GBK},
			{name: EncodingBig5, enc: traditionalchinese.Big5},
			{name: EncodingUTF16LE, enc: unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)},
		},
		detect: true,
	}
}

// Decode never fails: the last resort is UTF-8 with invalid bytes replaced.
func (d *Decoder) Decode(b []byte) Decoded {
	if len(b) == 0 {
		return Decoded{Encoding: EncodingUTF8}
	}

	for _, c := range d.candidates {
		if text, ok := try(c.enc, b); ok {
			return Decoded{Text: text, Encoding: c.name}
		}
	}

	if d.detect {
		if name, enc := detectEncoding(b); enc != nil {
			if text, ok := try(enc, b); ok {
				return Decoded{Text: text, Encoding: name}
			}
		}
	}

	return Decoded{
		Text:      strings.ToValidUTF8(string(b), replacementChar),
		Encoding:  EncodingLossy,
		Exhausted: true,
	}
}

// try decodes b and reports whether the result is free of replacement
// characters. A nil encoding means b is checked as UTF-8.
func try(enc encoding.Encoding, b []byte) (string, bool) {
	if enc == nil {
		if utf8.Valid(b) {
			return string(b), true
		}
		return "", false
	}

	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", false
	}
	text := string(out)
	if strings.Contains(text, replacementChar) || !utf8.ValidString(text) {
		return "", false
	}
	return text, true
}

// detectEncoding asks chardet for its best guess and resolves the charset
// name to an x/text encoding.
func detectEncoding(b []byte) (string, encoding.Encoding) {
	result, err := chardet.NewTextDetector().DetectBest(b)
	if err != nil || result == nil {
		return "", nil
	}

	name := strings.ToLower(result.Charset)
	if name == "gb-18030" {
		name = "gb18030"
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return "", nil
	}
	return name, enc
}
