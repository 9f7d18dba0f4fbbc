package collab

import (
	"sync"

	"github.com/haasonsaas/coedit/pkg/models"
)

// Conn is the transport side of a client connection.
//
// Send must not block: implementations queue the frame or fail, and a
// connection that cannot keep up is expected to close itself.
type Conn interface {
	ID() string
	Send(msg ServerMessage) error
}

// Client is one authenticated connection and the document it has joined.
type Client struct {
	conn Conn
	user UserInfo

	mu         sync.Mutex
	documentID string
}

// NewClient binds an authenticated user to a transport connection.
func NewClient(conn Conn, user *models.User) *Client {
	return &Client{conn: conn, user: userInfo(user)}
}

func userInfo(user *models.User) UserInfo {
	if user == nil {
		return UserInfo{}
	}
	return UserInfo{ID: user.ID, Name: user.DisplayName(), Avatar: user.AvatarURL}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.conn.ID() }

// User returns the public identity of the connected user.
func (c *Client) User() UserInfo { return c.user }

// DocumentID returns the joined document, or "" when not joined.
func (c *Client) DocumentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.documentID
}

func (c *Client) setDocumentID(id string) {
	c.mu.Lock()
	c.documentID = id
	c.mu.Unlock()
}

// Send delivers msg to this client only.
func (c *Client) Send(msg ServerMessage) error {
	return c.conn.Send(msg)
}
