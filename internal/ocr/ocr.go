// Package ocr wraps the external text recognizers used for scanned contract pages.
package ocr

import "context"

// Recognizer turns an image into text. lang is a tesseract-style language
// hint such as "rus+eng".
type Recognizer interface {
	Recognize(ctx context.Context, image []byte, filename, lang string) (string, error)
}
