// Package web holds the static assets and HTML templates the providers
// render their conversation steps from (sign-in forms, "check your email"
// pages), and the default theme those templates pull colors from.
package web

import (
	"bytes"
	"embed"
	"html/template"
	"io/fs"
)

//go:embed static/* templates/* themes/*
var files embed.FS

// FS returns a filesystem with the default web assets, for mounting under
// /static and /themes alongside the issuer's own routes.
func FS() fs.FS {
	return files
}

// templates parses every *.html under templates/ once; callers render named
// templates ("form.html", "message.html") from the result.
var templates = template.Must(template.ParseFS(files, "templates/*.html"))

// Field describes one input of a rendered form.
type Field struct {
	Name     string
	Label    string
	Type     string // "text", "email", "password" ...
	Required bool
}

// FormData is the model form.html renders.
type FormData struct {
	Title     string
	Action    string
	RequestID string
	Submit    string
	Theme     string
	Error     string
	Fields    []Field
}

// MessageData is the model message.html renders.
type MessageData struct {
	Title   string
	Message string
	Theme   string
}

// RenderForm renders form.html with data, defaulting Theme to "default" if
// the caller left it unset.
func RenderForm(data FormData) []byte {
	if data.Theme == "" {
		data.Theme = "default"
	}
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, "form.html", data); err != nil {
		// Templates are parsed (and thus syntax-checked) at package init,
		// so a failure here can only be a missing field in data, which is
		// a programming error in the caller, not a runtime condition.
		panic(err)
	}
	return buf.Bytes()
}

// RenderMessage renders message.html with data.
func RenderMessage(data MessageData) []byte {
	if data.Theme == "" {
		data.Theme = "default"
	}
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, "message.html", data); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
