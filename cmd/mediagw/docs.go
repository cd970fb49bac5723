package main

// General API documentation for swaggo. Regenerate internal/apidocs with
// `swag init -g cmd/mediagw/docs.go -o internal/apidocs`.
//
// @title           mediagw API
// @version         1.0
// @description     HTTP gateway for media inference: image upscaling, captioning, transcription, music generation, speech synthesis and source separation.
//
// @contact.name   mediagw maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
