package main

const (
	MsgNoFile = "No image was attached to the request. Send the photo as a multipart file, a base64 JSON field named image, or the raw request body."

	MsgInvalidImage = "The uploaded file could not be read as an image. Supported formats are JPEG, PNG, GIF, WebP, BMP and TIFF."

	MsgTooLarge = "The uploaded image is too large."

	MsgInferenceFailed = "The scan could not be completed. Please try again."

	MsgUnavailable = "The scanner is not available right now. Please try again shortly."
)
