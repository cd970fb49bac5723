package types

// ServiceInfo describes one runnable service.
type ServiceInfo struct {
	// example: whisper
	Name string `json:"name" example:"whisper"`
	// Default listen port.
	// example: 9000
	Port int `json:"port" example:"9000"`
	// Default model or configuration key, empty for tool-based services.
	// example: base
	Model string `json:"model,omitempty" example:"base"`
}

// Speaker is a reference voice available to xtts. Name has no extension.
type Speaker struct {
	// example: narrator
	Name string `json:"name" example:"narrator"`
	// Size in bytes.
	Size int64 `json:"size"`
}

// SpeakersResponse is returned by xtts GET /speakers.
type SpeakersResponse struct {
	Speakers []Speaker `json:"speakers"`
}
