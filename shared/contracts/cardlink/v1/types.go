package v1

// ---- Payloads ----

// RegisterEgk carries the raw card data elements read during registration.
// All byte fields are base64 on the wire.
type RegisterEgk struct {
	CardSessionID string `json:"cardSessionId"`
	GDO           []byte `json:"gdo"`
	CardVersion   []byte `json:"cardVersion"`
	CVCAuth       []byte `json:"cvcAuth"`
	CVCCA         []byte `json:"cvcCA"`
	ATR           []byte `json:"atr"`
	X509AuthECC   []byte `json:"x509AuthECC"`
	X509AuthRSA   []byte `json:"x509AuthRSA"`
}

// PayloadType implements Payload.
func (RegisterEgk) PayloadType() string { return TypeRegisterEgk }

// Ready is sent by the service once it accepted a RegisterEgk message.
type Ready struct{}

// PayloadType implements Payload.
func (Ready) PayloadType() string { return TypeReady }

// SendApdu asks the client to transmit one command APDU to the card.
type SendApdu struct {
	APDU []byte `json:"apdu"`
}

// PayloadType implements Payload.
func (SendApdu) PayloadType() string { return TypeSendApdu }

// SendApduResponse returns the card's response to a SendApdu command.
type SendApduResponse struct {
	CardSessionID string `json:"cardSessionId"`
	APDU          []byte `json:"apdu"`
}

// PayloadType implements Payload.
func (SendApduResponse) PayloadType() string { return TypeSendApduResponse }

// RegisterEgkFinish ends the APDU exchange for a card session.
type RegisterEgkFinish struct {
	RemoveCardSession bool `json:"removeCardSession"`
}

// PayloadType implements Payload.
func (RegisterEgkFinish) PayloadType() string { return TypeRegisterEgkFinish }

// ErrorPayload is reported by the service when it aborts a card session.
type ErrorPayload struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// PayloadType implements Payload.
func (ErrorPayload) PayloadType() string { return TypeError }
