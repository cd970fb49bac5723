package types

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: scale must be 2, 4, or 8
	Error string `json:"error" example:"scale must be 2, 4, or 8"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// HealthResponse is the common part of GET /health. Services add their own
// fields (models, scales, model) next to these.
type HealthResponse struct {
	// example: ok
	Status string `json:"status" example:"ok"`
	// Service name.
	// example: esrgan
	Service string `json:"service" example:"esrgan"`
	// Whether a model is currently cached.
	// example: false
	Loaded bool `json:"loaded" example:"false"`
	// Whether a hardware accelerator is available.
	// example: true
	GPU bool `json:"gpu" example:"true"`
}

// AnalyzeResponse is returned by clip POST /analyze.
type AnalyzeResponse struct {
	// example: a cat sitting on a sofa
	Description string `json:"description" example:"a cat sitting on a sofa"`
	// Interrogation mode used.
	// example: fast
	Mode string `json:"mode" example:"fast"`
}

// EmbedTextRequest is the JSON form of clip POST /embed.
type EmbedTextRequest struct {
	// example: a photo of a cat
	Text string `json:"text" example:"a photo of a cat"`
}

// EmbedResponse is returned by clip POST /embed.
type EmbedResponse struct {
	Embedding []float64 `json:"embedding"`
	// Either "image" or "text".
	// example: image
	Type string `json:"type" example:"image"`
}

// SimilarityRequest is the body of clip POST /similarity.
type SimilarityRequest struct {
	Embedding1 []float64 `json:"embedding1"`
	Embedding2 []float64 `json:"embedding2"`
}

// SimilarityResponse is returned by clip POST /similarity.
type SimilarityResponse struct {
	// Cosine similarity in [-1, 1].
	// example: 0.83
	Similarity float64 `json:"similarity" example:"0.83"`
}

// TagsResponse is returned by clip POST /tags.
type TagsResponse struct {
	Tags []string `json:"tags"`
	// example: cat, sofa, indoor, photo
	FullDescription string `json:"full_description" example:"cat, sofa, indoor, photo"`
}

// Segment is one timed span of a transcription.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// TranscribeResponse is returned by whisper POST /transcribe.
type TranscribeResponse struct {
	// example: hello world
	Text     string    `json:"text" example:"hello world"`
	Segments []Segment `json:"segments"`
	// example: en
	Language string `json:"language" example:"en"`
}

// DetectLanguageResponse is returned by whisper POST /detect-language.
type DetectLanguageResponse struct {
	// example: en
	Language string `json:"language" example:"en"`
	// example: 0.93
	Confidence float64 `json:"confidence" example:"0.93"`
	// The five most probable languages.
	AllProbabilities map[string]float64 `json:"all_probabilities"`
}

// GenerateRequest is the body of musicgen POST /generate.
type GenerateRequest struct {
	// example: lo-fi hip hop beat with warm piano
	Prompt string `json:"prompt" example:"lo-fi hip hop beat with warm piano"`
	// Seconds of audio, default 10, capped at 30. Must be positive when set.
	// example: 10
	Duration *float64 `json:"duration,omitempty" example:"10"`
}

// SynthesizeRequest is the body of xtts POST /synthesize.
type SynthesizeRequest struct {
	// example: Bonjour tout le monde
	Text string `json:"text" example:"Bonjour tout le monde"`
	// example: fr
	Language string `json:"language,omitempty" example:"fr"`
	// Name of a reference voice in the speakers directory.
	// example: narrator
	Speaker string `json:"speaker,omitempty" example:"narrator"`
}
