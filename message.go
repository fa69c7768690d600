package wsserver

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message builds a send. The zero sender is the server itself.
//
//	s.NewMessage(data).From(id).Except(id).Send()
type Message struct {
	s         *Server
	data      []byte
	sender    int
	receivers []int
	excluded  []int
}

// NewMessage starts a message carrying data.
func (s *Server) NewMessage(data []byte) *Message {
	return &Message{
		s:    s,
		data: data,
	}
}

// From sets the sender.
func (m *Message) From(id int) *Message {
	m.sender = id
	return m
}

// To adds receivers. A message without receivers goes to everyone.
func (m *Message) To(ids ...int) *Message {
	m.receivers = append(m.receivers, ids...)
	return m
}

// Except excludes connections.
func (m *Message) Except(ids ...int) *Message {
	m.excluded = append(m.excluded, ids...)
	return m
}

// Send delivers the message, see Server.Send.
func (m *Message) Send() error {
	return m.s.Send(m.data, m.sender, m.receivers, m.excluded)
}

type reply struct {
	Data interface{} `json:"data"`
	Msg  string      `json:"msg"`
	Code int         `json:"code"`
	Time int64       `json:"time"`
}

// FormatReply renders a reply for dataType. DataJSON produces an envelope
// of the form {"data":...,"msg":...,"code":...,"time":...}. DataText
// produces data itself, or msg when data is empty.
func FormatReply(dataType string, data interface{}, msg string, code int) string {
	if dataType == DataText {
		s := textOf(data)
		if s == "" {
			return msg
		}
		return s
	}

	if b, ok := data.([]byte); ok {
		data = string(b)
	}
	b, err := json.Marshal(reply{
		Data: data,
		Msg:  msg,
		Code: code,
		Time: time.Now().Unix(),
	})
	if err != nil {
		b, _ = json.Marshal(reply{
			Msg:  fmt.Sprintf("failed to encode reply: %v", err),
			Code: -1,
			Time: time.Now().Unix(),
		})
	}
	return string(b)
}

func textOf(data interface{}) string {
	switch v := data.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	}
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprint(data)
	}
	return string(b)
}
