package ratelimit

import (
	"strings"
	"time"
)

type Category string

const (
	CategoryGeneral      Category = "general"
	CategoryChat         Category = "chat"
	CategoryFileUpload   Category = "file_upload"
	CategoryExport       Category = "export"
	CategoryAuth         Category = "auth"
	CategoryRegistration Category = "registration"
)

// SubjectKind separates the counter spaces of network origins and verified
// identities. Origins are checked before authentication and get stricter
// limits.
type SubjectKind string

const (
	SubjectIdentity SubjectKind = "user"
	SubjectOrigin   SubjectKind = "ip"
)

type Subject struct {
	Kind SubjectKind
	ID   string
}

func Identity(id string) Subject { return Subject{Kind: SubjectIdentity, ID: id} }
func Origin(addr string) Subject { return Subject{Kind: SubjectOrigin, ID: addr} }

// Key is the store key of the subject, e.g. "user:42" or "ip:10.0.0.1".
func (s Subject) Key() string {
	return string(s.Kind) + ":" + strings.TrimSpace(s.ID)
}

type Policy struct {
	Limit  int
	Window time.Duration
}

// Policies holds the limit table per subject kind. Categories missing from a
// kind's table use that kind's fallback.
type Policies struct {
	table    map[SubjectKind]map[Category]Policy
	fallback map[SubjectKind]Policy
}

// DefaultPolicies returns the built-in table. perMinute sets the general
// identity limit; non-positive values keep the default of 60.
func DefaultPolicies(perMinute int) *Policies {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &Policies{
		table: map[SubjectKind]map[Category]Policy{
			SubjectIdentity: {
				CategoryGeneral:    {Limit: perMinute, Window: time.Minute},
				CategoryChat:       {Limit: 30, Window: time.Minute},
				CategoryFileUpload: {Limit: 10, Window: time.Minute},
				CategoryExport:     {Limit: 5, Window: time.Hour},
			},
			SubjectOrigin: {
				CategoryGeneral:      {Limit: 30, Window: time.Minute},
				CategoryAuth:         {Limit: 10, Window: time.Minute},
				CategoryRegistration: {Limit: 3, Window: time.Hour},
			},
		},
		fallback: map[SubjectKind]Policy{
			SubjectIdentity: {Limit: 60, Window: time.Minute},
			SubjectOrigin:   {Limit: 30, Window: time.Minute},
		},
	}
}

func (p *Policies) Set(kind SubjectKind, cat Category, policy Policy) {
	if p.table[kind] == nil {
		p.table[kind] = map[Category]Policy{}
	}
	p.table[kind][cat] = policy
}

func (p *Policies) For(kind SubjectKind, cat Category) Policy {
	if byCat, ok := p.table[kind]; ok {
		if pol, ok := byCat[cat]; ok {
			return pol
		}
	}
	if pol, ok := p.fallback[kind]; ok {
		return pol
	}
	return Policy{Limit: 60, Window: time.Minute}
}
