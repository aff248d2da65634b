package websocket

type setupFrame struct {
	Setup setup `json:"setup"`
}

type setup struct {
	Model string `json:"model"`
}

type clientContentFrame struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []turn `json:"turns"`
	TurnComplete bool   `json:"turnComplete"`
}

type turn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type realtimeInputFrame struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

// mediaChunk.Data is base64 encoded by encoding/json.
type mediaChunk struct {
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}
