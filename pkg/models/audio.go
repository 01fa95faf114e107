package models

import (
	"mime"
	"path"
	"strings"
)

// DefaultAudioExtension is used when a blob's MIME type is unknown.
const DefaultAudioExtension = "webm"

var audioExtensions = map[string]string{
	"audio/webm":   "webm",
	"audio/ogg":    "ogg",
	"audio/opus":   "ogg",
	"audio/mp4":    "m4a",
	"audio/x-m4a":  "m4a",
	"audio/aac":    "aac",
	"audio/mpeg":   "mp3",
	"audio/mp3":    "mp3",
	"audio/wav":    "wav",
	"audio/x-wav":  "wav",
	"audio/wave":   "wav",
	"audio/flac":   "flac",
	"audio/x-flac": "flac",
}

var audioContentTypes = map[string]string{
	"webm": "audio/webm",
	"ogg":  "audio/ogg",
	"m4a":  "audio/mp4",
	"aac":  "audio/aac",
	"mp3":  "audio/mpeg",
	"wav":  "audio/wav",
	"flac": "audio/flac",
}

// ExtensionFor infers a file extension from a MIME type such as "audio/webm;codecs=opus".
func ExtensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	if ext, ok := audioExtensions[mediaType]; ok {
		return ext
	}
	return DefaultAudioExtension
}

// ContentTypeFor maps a file name or key to an audio MIME type.
func ContentTypeFor(name string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
	if ct, ok := audioContentTypes[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}
