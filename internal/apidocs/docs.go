// Package apidocs holds the Swagger document served under the swagger build tag.
package apidocs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {"name": "mediagw maintainers"},
        "license": {"name": "MIT", "url": "https://opensource.org/licenses/MIT"},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/health": {
            "get": {
                "produces": ["application/json"],
                "tags": ["common"],
                "summary": "Service health",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.HealthResponse"}}}
            }
        },
        "/analyze": {
            "post": {
                "consumes": ["multipart/form-data"],
                "produces": ["application/json"],
                "tags": ["clip"],
                "summary": "Describe an image",
                "parameters": [
                    {"type": "file", "name": "image", "in": "formData", "required": true},
                    {"type": "string", "enum": ["fast", "classic", "best"], "name": "mode", "in": "formData"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.AnalyzeResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/transcribe": {
            "post": {
                "consumes": ["multipart/form-data"],
                "produces": ["application/json"],
                "tags": ["whisper"],
                "summary": "Transcribe audio",
                "parameters": [
                    {"type": "file", "name": "audio", "in": "formData", "required": true},
                    {"type": "string", "name": "language", "in": "formData"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.TranscribeResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/upscale": {
            "post": {
                "consumes": ["multipart/form-data"],
                "produces": ["image/png"],
                "tags": ["esrgan"],
                "summary": "Upscale an image",
                "parameters": [
                    {"type": "file", "name": "image", "in": "formData", "required": true},
                    {"type": "integer", "enum": [2, 4, 8], "name": "scale", "in": "formData"}
                ],
                "responses": {
                    "200": {"description": "PNG image", "schema": {"type": "file"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/separate": {
            "post": {
                "consumes": ["multipart/form-data"],
                "produces": ["application/zip"],
                "tags": ["demucs"],
                "summary": "Separate audio into stems",
                "parameters": [
                    {"type": "file", "name": "audio", "in": "formData", "required": true},
                    {"type": "string", "name": "model", "in": "formData"},
                    {"type": "string", "name": "stems", "in": "formData"}
                ],
                "responses": {
                    "200": {"description": "zip archive", "schema": {"type": "file"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/generate": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["audio/wav"],
                "tags": ["musicgen"],
                "summary": "Generate music from a prompt",
                "parameters": [{"name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/types.GenerateRequest"}}],
                "responses": {
                    "200": {"description": "WAV audio", "schema": {"type": "file"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/synthesize": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["audio/wav"],
                "tags": ["xtts"],
                "summary": "Synthesize speech",
                "parameters": [{"name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/types.SynthesizeRequest"}}],
                "responses": {
                    "200": {"description": "WAV audio", "schema": {"type": "file"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "types.ErrorResponse": {
            "type": "object",
            "properties": {"error": {"type": "string"}, "code": {"type": "integer"}}
        },
        "types.HealthResponse": {
            "type": "object",
            "properties": {
                "status": {"type": "string"},
                "service": {"type": "string"},
                "loaded": {"type": "boolean"},
                "gpu": {"type": "boolean"}
            }
        },
        "types.AnalyzeResponse": {
            "type": "object",
            "properties": {"description": {"type": "string"}, "mode": {"type": "string"}}
        },
        "types.TranscribeResponse": {
            "type": "object",
            "properties": {
                "text": {"type": "string"},
                "language": {"type": "string"},
                "segments": {"type": "array", "items": {"type": "object"}}
            }
        },
        "types.GenerateRequest": {
            "type": "object",
            "properties": {"prompt": {"type": "string"}, "duration": {"type": "number"}}
        },
        "types.SynthesizeRequest": {
            "type": "object",
            "properties": {"text": {"type": "string"}, "language": {"type": "string"}, "speaker": {"type": "string"}}
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "mediagw API",
	Description:      "HTTP gateway for GPU-backed media models.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
