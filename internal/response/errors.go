package response

import (
	"fmt"
	"html"
	"net/http"
)

// defaultHTMLMessages maps HTTP status codes to their default HTML messages.
var defaultHTMLMessages = map[int]struct {
	Title   string
	Heading string
	Message string
}{
	http.StatusNotFound: {
		Title:   "404 Not Found",
		Heading: "Not Found",
		Message: "The requested resource was not found on this server.",
	},
	http.StatusInternalServerError: {
		Title:   "500 Internal Server Error",
		Heading: "Internal Server Error",
		Message: "The server encountered an internal error and was unable to complete your request.",
	},
	http.StatusMethodNotAllowed: {
		Title:   "405 Method Not Allowed",
		Heading: "Method Not Allowed",
		Message: "The request method is not supported for the requested resource.",
	},
	http.StatusBadRequest: {
		Title:   "400 Bad Request",
		Heading: "Bad Request",
		Message: "The server cannot process the request due to a client error.",
	},
}

// errorHeaders are sent with every error page so that no cache keeps it.
var errorHeaders = []HeaderField{
	{Name: "Content-Type", Value: "text/html; charset=utf-8"},
	{Name: "Cache-Control", Value: "no-cache, no-store, must-revalidate"},
	{Name: "Pragma", Value: "no-cache"},
	{Name: "Expires", Value: "0"},
}

// generateHTMLBody builds a self-contained error document. message is inserted
// as-is and must already be escaped.
func generateHTMLBody(title, heading, message string) []byte {
	return []byte(fmt.Sprintf("<!DOCTYPE html>\n<html>\n<head><meta charset=\"utf-8\"><title>%s</title></head>\n"+
		"<body>\n<h1>%s</h1>\n<p>%s</p>\n</body>\n</html>\n",
		html.EscapeString(title), html.EscapeString(heading), message))
}

// ErrorPage returns the default page for statusCode. Unknown codes get a generic message.
func ErrorPage(statusCode int) *Response {
	msg, ok := defaultHTMLMessages[statusCode]
	if !ok {
		text := http.StatusText(statusCode)
		if text == "" {
			text = "Error"
		}
		msg.Title = fmt.Sprintf("%d %s", statusCode, text)
		msg.Heading = text
		msg.Message = "The server encountered an error processing your request."
	}
	return New(statusCode, errorHeaders, generateHTMLBody(msg.Title, msg.Heading, html.EscapeString(msg.Message)))
}

// NotFound returns the 404 page naming the requested path.
func NotFound(path string) *Response {
	msg := defaultHTMLMessages[http.StatusNotFound]
	body := fmt.Sprintf("The requested URL <code>%s</code> was not found on this server.", html.EscapeString(path))
	return New(http.StatusNotFound, errorHeaders, generateHTMLBody(msg.Title, msg.Heading, body))
}

// InternalError returns the generic 500 page. It never carries error details.
func InternalError() *Response {
	return ErrorPage(http.StatusInternalServerError)
}

// BadRequest returns the 400 page.
func BadRequest() *Response {
	return ErrorPage(http.StatusBadRequest)
}

// MethodNotAllowed returns the 405 page with the given Allow header.
func MethodNotAllowed(allow string) *Response {
	return ErrorPage(http.StatusMethodNotAllowed).With("Allow", allow)
}
