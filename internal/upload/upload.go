package upload

import "strings"

const (
	// MissingFileMessage is returned when the request has no audio part
	MissingFileMessage = "No audio file provided"

	// InvalidFormatMessage is returned when the extension is not allowed
	InvalidFormatMessage = "Invalid file format. Supported formats: WAV, MP3, OGG, FLAC."
)

// AllowedExtensions lists the accepted extensions, lower case and without the dot
var AllowedExtensions = map[string]bool{
	"wav":  true,
	"mp3":  true,
	"ogg":  true,
	"flac": true,
}

// Extension returns the lower-cased text after the last '.', or "" when there is none
func Extension(filename string) string {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 {
		return ""
	}
	return strings.ToLower(filename[idx+1:])
}

// Allowed reports whether filename carries one of AllowedExtensions.
// A name without a '.' is rejected.
func Allowed(filename string) bool {
	if !strings.Contains(filename, ".") {
		return false
	}
	return AllowedExtensions[Extension(filename)]
}
