package types

type ResponseIndex struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

type ResponseHealth struct {
	Status         string  `json:"status"`
	State          string  `json:"state"`
	Connected      bool    `json:"connected"`
	User           *string `json:"user"`
	WAVersion      string  `json:"wa_version,omitempty"`
	WAVersionError string  `json:"wa_version_error,omitempty"`
}

type ResponseSend struct {
	OK bool   `json:"ok"`
	To string `json:"to"`
}

type ResponseSendMedia struct {
	OK   bool   `json:"ok"`
	To   string `json:"to"`
	Sent int    `json:"sent"`
}
