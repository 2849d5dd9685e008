// Package index defines the index kinds, build roles and the role-scoped
// relational schema the indexer writes and the query engine reads.
package index

import (
	"fmt"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/errors"
)

// Kind is one of the four independently built parts of an index.
type Kind string

const (
	Readable   Kind = "readable"
	Searchable Kind = "searchable"
	Taxonomy   Kind = "taxonomy"
	Variation  Kind = "variation"
)

// Kinds lists every kind in build order.
var Kinds = []Kind{Searchable, Readable, Taxonomy, Variation}

func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", apperrors.ErrUnknownKind, s)
}

// Role selects which copy of the index a session touches. Main is always
// the one queried; Tmp is rebuilt alongside it and promoted on completion.
type Role string

const (
	Main Role = "main"
	Tmp  Role = "tmp"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case Main, Tmp:
		return Role(s), nil
	}
	return "", fmt.Errorf("%w: unknown role %q", apperrors.ErrInvalidInput, s)
}

// Suffix is appended to every table name of the role.
func (r Role) Suffix() string {
	if r == Tmp {
		return "_tmp"
	}
	return ""
}

// Partition scopes the searchable tables.
type Partition struct {
	Lang    string
	Subtype string
}

func (p Partition) String() string {
	return p.Subtype + "/" + p.Lang
}

// Partitions returns the cross product of subtypes and languages.
func Partitions(langs, subtypes []string) []Partition {
	parts := make([]Partition, 0, len(langs)*len(subtypes))
	for _, subtype := range subtypes {
		for _, lang := range langs {
			parts = append(parts, Partition{Lang: lang, Subtype: subtype})
		}
	}
	return parts
}

func ident(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, s)
}
