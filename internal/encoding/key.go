package encoding

import (
	"bytes"
	"errors"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MaxKeyLen is the maximum length in bytes of a canonical dictionary key.
const MaxKeyLen = 16 * 1024

// Sentinel errors for the invalid-input error kinds named in the
// specification's error taxonomy.
var (
	ErrTermTooLarge    = errors.New("term_too_large")
	ErrNullByteInURI   = errors.New("null_byte_in_uri")
	ErrInvalidEncoding = errors.New("invalid_encoding")
	ErrUnsupportedTerm = errors.New("unsupported_term")
)

// TermKind distinguishes the four shapes the canonical key grammar supports.
type TermKind uint8

const (
	TermURI TermKind = iota
	TermBlankNode
	TermLiteralPlain
	TermLiteralLang
)

const (
	tagURI          byte = 0x01
	tagBlankNode    byte = 0x02
	tagLiteral      byte = 0x03
	subtagPlain     byte = 0x01
	subtagLang      byte = 0x02
)

// CanonicalTerm is the normalised, kind-tagged representation of an RDF
// term used to build and parse dictionary keys (spec §6.1).
type CanonicalTerm struct {
	Kind TermKind

	// URI / BlankNode
	Value string // IRI (URI) or label (BlankNode)

	// Literal (either Plain or Lang)
	Datatype string // set for TermLiteralPlain
	Lang     string // set for TermLiteralLang
	Lexical  string
}

// NormalizeURI applies NFC normalisation, the canonicalisation required of
// every URI string before it is hashed, compared or stored.
func NormalizeURI(s string) string {
	return norm.NFC.String(s)
}

// NormalizeLang lowercases a BCP-47 language tag so "en" and "EN" collide.
func NormalizeLang(tag string) string {
	return strings.ToLower(tag)
}

// EncodeKey builds the canonical binary dictionary key for t. URIs are NFC
// normalised and language tags lowercased before encoding, so callers may
// pass raw parsed input.
func EncodeKey(t CanonicalTerm) ([]byte, error) {
	var b bytes.Buffer

	switch t.Kind {
	case TermURI:
		iri := NormalizeURI(t.Value)
		if strings.IndexByte(iri, 0) >= 0 {
			return nil, ErrNullByteInURI
		}
		b.WriteByte(tagURI)
		b.WriteString(iri)
	case TermBlankNode:
		b.WriteByte(tagBlankNode)
		b.WriteString(t.Value)
	case TermLiteralPlain:
		b.WriteByte(tagLiteral)
		b.WriteByte(subtagPlain)
		b.WriteString(t.Datatype)
		b.WriteByte(0x00)
		b.WriteString(t.Lexical)
	case TermLiteralLang:
		b.WriteByte(tagLiteral)
		b.WriteByte(subtagLang)
		b.WriteString(NormalizeLang(t.Lang))
		b.WriteByte(0x00)
		b.WriteString(t.Lexical)
	default:
		return nil, ErrUnsupportedTerm
	}

	if b.Len() > MaxKeyLen {
		return nil, ErrTermTooLarge
	}
	return b.Bytes(), nil
}

// DecodeKey parses a canonical binary dictionary key back into a
// CanonicalTerm.
func DecodeKey(key []byte) (CanonicalTerm, error) {
	if len(key) == 0 {
		return CanonicalTerm{}, ErrInvalidEncoding
	}

	switch key[0] {
	case tagURI:
		return CanonicalTerm{Kind: TermURI, Value: string(key[1:])}, nil
	case tagBlankNode:
		return CanonicalTerm{Kind: TermBlankNode, Value: string(key[1:])}, nil
	case tagLiteral:
		if len(key) < 2 {
			return CanonicalTerm{}, ErrInvalidEncoding
		}
		subtag := key[1]
		rest := key[2:]
		sep := bytes.IndexByte(rest, 0x00)
		if sep < 0 {
			return CanonicalTerm{}, ErrInvalidEncoding
		}
		head := string(rest[:sep])
		lexical := string(rest[sep+1:])
		switch subtag {
		case subtagPlain:
			return CanonicalTerm{Kind: TermLiteralPlain, Datatype: head, Lexical: lexical}, nil
		case subtagLang:
			return CanonicalTerm{Kind: TermLiteralLang, Lang: head, Lexical: lexical}, nil
		default:
			return CanonicalTerm{}, ErrInvalidEncoding
		}
	default:
		return CanonicalTerm{}, ErrInvalidEncoding
	}
}
