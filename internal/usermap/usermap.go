// Package usermap translates user and group names sent by the server into
// local ids.
package usermap

import (
	"os/user"
	"strconv"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultSize is the number of names remembered per kind.
const DefaultSize = 1024

// Map resolves names through the local user database, caching results.
// Unknown names resolve to the caller's fallback id.
type Map struct {
	users  *lru.Cache // name -> uint32
	groups *lru.Cache // name -> uint32

	lookupUser  func(string) (string, error)
	lookupGroup func(string) (string, error)
}

// New returns a Map caching up to size names of each kind.
func New(size int) (*Map, error) {
	if size <= 0 {
		size = DefaultSize
	}
	users, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	groups, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Map{
		users:  users,
		groups: groups,
		lookupUser: func(name string) (string, error) {
			u, err := user.Lookup(name)
			if err != nil {
				return "", err
			}
			return u.Uid, nil
		},
		lookupGroup: func(name string) (string, error) {
			g, err := user.LookupGroup(name)
			if err != nil {
				return "", err
			}
			return g.Gid, nil
		},
	}, nil
}

// UID returns the local uid for name, or fallback.
func (m *Map) UID(name string, fallback uint32) uint32 {
	return resolve(m.users, m.lookupUser, name, fallback)
}

// GID returns the local gid for name, or fallback.
func (m *Map) GID(name string, fallback uint32) uint32 {
	return resolve(m.groups, m.lookupGroup, name, fallback)
}

// notFound is cached for names the local database does not know.
type notFound struct{}

func resolve(c *lru.Cache, lookup func(string) (string, error), name string, fallback uint32) uint32 {
	if name == "" || name[0] == '#' {
		return fallback
	}
	if v, ok := c.Get(name); ok {
		if id, ok := v.(uint32); ok {
			return id
		}
		return fallback
	}
	s, err := lookup(name)
	if err != nil {
		c.Add(name, notFound{})
		return fallback
	}
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		c.Add(name, notFound{})
		return fallback
	}
	c.Add(name, uint32(id))
	return uint32(id)
}
