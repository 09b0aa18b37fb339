package models

// MPortalAuthStatus is the /iserver/auth/status payload.
type MPortalAuthStatus struct {
	Authenticated bool   `json:"authenticated"`
	Connected     bool   `json:"connected"`
	Competing     bool   `json:"competing"`
	Message       string `json:"message"`
}

// MIServerAccounts is the /iserver/accounts payload.
type MIServerAccounts struct {
	Accounts        []string                          `json:"accounts"`
	SelectedAccount string                            `json:"selectedAccount"`
	AcctProps       map[string]map[string]interface{} `json:"acctProps"`
	AllowFeatures   map[string]interface{}            `json:"allowFeatures"`
}

// MPermissions is what the account may do, taken from /iserver/accounts.
type MPermissions struct {
	AccountID  string                 `json:"accountId"`
	Properties map[string]interface{} `json:"properties"`
	Features   map[string]interface{} `json:"features"`
}

// MOptionStrikes is the /iserver/secdef/strikes payload.
type MOptionStrikes struct {
	Call []float64 `json:"call"`
	Put  []float64 `json:"put"`
}
