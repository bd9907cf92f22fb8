package brain

import "context"

// MockResponder is a scriptable Responder for tests.
type MockResponder struct {
	Replies []string
	Err     error
	Calls   int
	LastReq ReplyRequest
}

func (m *MockResponder) Reply(_ context.Context, req ReplyRequest) (string, error) {
	m.LastReq = req
	m.Calls++
	if m.Err != nil {
		return "", m.Err
	}
	if len(m.Replies) == 0 {
		return "theek hai", nil
	}
	r := m.Replies[0]
	if len(m.Replies) > 1 {
		m.Replies = m.Replies[1:]
	}
	return r, nil
}
