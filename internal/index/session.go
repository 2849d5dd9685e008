package index

import "github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/sqlstore"

// Session binds the role and language an operation runs against to the
// index datastore. It is passed explicitly to every indexer and query call.
type Session struct {
	Role   Role
	Lang   string
	Store  *sqlstore.Client
	Tables Tables
}

func NewSession(store *sqlstore.Client, prefix string, role Role, lang string) *Session {
	return &Session{
		Role:   role,
		Lang:   lang,
		Store:  store,
		Tables: Tables{Prefix: prefix},
	}
}

// WithLang returns a copy of s for another language.
func (s *Session) WithLang(lang string) *Session {
	c := *s
	c.Lang = lang
	return &c
}

// WithRole returns a copy of s for another role.
func (s *Session) WithRole(role Role) *Session {
	c := *s
	c.Role = role
	return &c
}

func (s *Session) Partition(subtype string) Partition {
	return Partition{Lang: s.Lang, Subtype: subtype}
}

func (s *Session) Wordlist(subtype string) string {
	return s.Tables.Wordlist(s.Role, s.Partition(subtype))
}

func (s *Session) Doclist(subtype string) string {
	return s.Tables.Doclist(s.Role, s.Partition(subtype))
}

func (s *Session) Cache(subtype string) string {
	return s.Tables.Cache(s.Role, s.Partition(subtype))
}

func (s *Session) Readable() string {
	return s.Tables.Readable(s.Role)
}

func (s *Session) Taxonomy() string {
	return s.Tables.Taxonomy(s.Role)
}

func (s *Session) Variation() string {
	return s.Tables.Variation(s.Role)
}
