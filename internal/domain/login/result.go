package login

// State names a step of the login state machine.
type State string

const (
	StateCheckSession            State = "CheckSession"
	StateFetchNonce              State = "FetchNonce"
	StateResolveCardHandle       State = "ResolveCardHandle"
	StateRequestAuthorization    State = "RequestAuthorization"
	StateIdpLogin                State = "IdpLogin"
	StateCreateClientAttestation State = "CreateClientAttestation"
	StateExchangeCode            State = "ExchangeCode"
)

// Result is the outcome of one login. It is built once, at the step that ends
// the flow, and never modified afterwards.
type Result struct {
	TelematikID    string `json:"telematikId"`
	FQDN           string `json:"fqdn"`
	Nonce          string `json:"nonce,omitempty"`
	CardHandle     string `json:"cardHandle,omitempty"`
	HTTPStatusCode int    `json:"httpStatusCode"`
	Success        bool   `json:"success"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
	// State is the step that ended the flow.
	State State `json:"state"`
	// VAUNP is the VAU-NP issued by the code exchange. Empty when the
	// flow ended on an existing session.
	VAUNP string `json:"vauNp,omitempty"`
}

// transition is what a step returns: either the next state or the final
// result.
type transition struct {
	next   State
	result *Result
}

func advance(next State) transition {
	return transition{next: next}
}

func finish(r Result) transition {
	return transition{result: &r}
}
