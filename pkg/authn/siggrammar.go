package authn

import (
	"fmt"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// SignatureHeader is the parsed form of an
// `Authorization: Signature keyId="...",algorithm="...",headers="...",signature="..."`
// value. Grounded on the corpus's preference for a participle grammar
// over ad hoc string splitting whenever a header has real comma/quote
// structure.
type SignatureHeader struct {
	Pairs []*sigPair `parser:"@@ (',' @@)*"`
}

type sigPair struct {
	Key   string `parser:"@Ident '='"`
	Value string `parser:"@String"`
}

var sigLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Ident", Pattern: `[a-zA-Z][a-zA-Z0-9_]*`},
	{Name: "String", Pattern: `"(\\"|[^"])*"`},
	{Name: "Punct", Pattern: `[,=]`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var sigParser = participle.MustBuild[SignatureHeader](
	participle.Lexer(sigLexer),
	participle.Elide("Whitespace"),
	participle.Unquote("String"),
)

// ParsedSignature is the field-extracted view consumers use.
type ParsedSignature struct {
	KeyID     string
	Algorithm string
	Headers   string
	Signature string
}

// ParseSignatureValue parses the portion of the Authorization header
// after the leading "Signature " scheme token.
func ParseSignatureValue(value string) (*ParsedSignature, error) {
	parsed, err := sigParser.ParseString("", value)
	if err != nil {
		return nil, fmt.Errorf("authn: malformed signature header: %w", err)
	}
	out := &ParsedSignature{}
	for _, p := range parsed.Pairs {
		switch p.Key {
		case "keyId":
			out.KeyID = p.Value
		case "algorithm":
			out.Algorithm = p.Value
		case "headers":
			out.Headers = p.Value
		case "signature":
			out.Signature = p.Value
		}
	}
	if out.Algorithm == "" || out.Signature == "" {
		return nil, fmt.Errorf("authn: signature header missing algorithm or signature")
	}
	return out, nil
}
