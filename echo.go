package wsserver

import (
	"net/http"
)

// EchoModule replies to every message with the message itself.
type EchoModule struct {
	BaseModule

	// DataType selects the reply format, see FormatReply.
	DataType string
	// Welcome is sent to each connection once it is open.
	Welcome string
}

func (e *EchoModule) OnOpen(s *Server, r *http.Request, id int) {
	if e.Welcome == "" {
		return
	}
	s.SendTo(id, []byte(FormatReply(e.DataType, e.Welcome, "welcome", 0)), 0)
}

func (e *EchoModule) OnMessage(s *Server, data []byte, id int) string {
	return FormatReply(e.DataType, data, "success", 0)
}
