package domain

// Identity is an authenticated actor tracked for presence and notification
// addressing. LastSeen records the moment of last activity in unix
// milliseconds, not the moment of disconnect.
type Identity struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	LastSeen int64  `json:"lastSeen"`
	Online   bool   `json:"online"`
}

// Member links an identity to a project. Members form the recipient set for
// the project's notifications.
type Member struct {
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`
	Address   string `json:"address"`
}
