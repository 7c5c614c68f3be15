package identity

import "hash/fnv"

// User is the current user's identity as supplied by the surrounding
// application: who they are and what role they hold in the session context.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Role  string `json:"role"`
	Color string `json:"color"`
}

// Provider supplies the current user. The surrounding application owns
// authentication; this package only consumes its result.
type Provider interface {
	CurrentUser() User
}

// Static is a fixed identity provider for the dev harness and tests.
type Static struct {
	User User
}

func (s Static) CurrentUser() User { return s.User }

// cursor colors, matching the editor's presence palette
var palette = []string{
	"#f94144", "#f3722c", "#f8961e", "#f9c74f",
	"#90be6d", "#43aa8b", "#577590", "#9b5de5",
}

// ColorFor deterministically assigns a cursor color to a user id.
func ColorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}
