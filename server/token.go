package server

import (
	"bufio"
	"io"
	"os"
	"sort"
	"strings"
)

// A TokenValidator validates user tokens passed into the web API. If the
// given token is not valid, for whatever reason, the user "" with a role of
// RoleUnknown is returned. An error is returned only if there is some kind
// of error doing the lookup and the ultimate status of the token is unknown.
type TokenValidator interface {
	TokenValid(token string) (user string, role Role, err error)
}

// Role is what a user may do. Each role includes the ones before it.
type Role int

const (
	RoleUnknown Role = iota
	RoleRead         // look at packages and snapshots, run fixity checks
	RoleWrite        // start archivals
	RoleAdmin
)

func atoRole(s string) Role {
	switch strings.ToLower(s) {
	case "read":
		return RoleRead
	case "write":
		return RoleWrite
	case "admin":
		return RoleAdmin
	default:
		return RoleUnknown
	}
}

// NobodyValidator returns the user "nobody" with the Admin role for every
// token. It is used when no authentication is configured.
type NobodyValidator struct{}

func (NobodyValidator) TokenValid(token string) (string, Role, error) {
	return "nobody", RoleAdmin, nil
}

// NewListValidator returns a validator backed by a list of users read from
// r. Each line has the form
//
//	<user name>  <role>  <token>
//
// separated by whitespace. Neither the user name nor the token may contain
// spaces. The role is one of "Read", "Write", "Admin" (case insensitive).
// Empty lines and lines beginning with a hash '#' are skipped, as are lines
// without exactly three fields.
func NewListValidator(r io.Reader) (TokenValidator, error) {
	users, err := parseListFile(r)
	if err != nil {
		return nil, err
	}
	sort.Slice(users, func(i, j int) bool { return users[i].token < users[j].token })
	return listValidator{users}, nil
}

// NewListValidatorFile reads the list of users for NewListValidator from
// the file fname.
func NewListValidatorFile(fname string) (TokenValidator, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewListValidator(f)
}

func parseListFile(r io.Reader) ([]userEntry, error) {
	var result []userEntry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		pieces := strings.Fields(scanner.Text())
		if len(pieces) != 3 || pieces[0][0] == '#' {
			continue
		}
		result = append(result, userEntry{
			user:  pieces[0],
			role:  atoRole(pieces[1]),
			token: pieces[2],
		})
	}
	return result, scanner.Err()
}

type userEntry struct {
	token string
	user  string
	role  Role
}

type listValidator struct {
	users []userEntry // sorted by token
}

func (lv listValidator) TokenValid(token string) (string, Role, error) {
	users := lv.users
	i := sort.Search(len(users), func(i int) bool { return users[i].token >= token })
	if token != "" && i < len(users) && users[i].token == token {
		return users[i].user, users[i].role, nil
	}
	return "", RoleUnknown, nil
}
