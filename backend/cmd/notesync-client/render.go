package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"notesync/backend/internal/viewmodel"
)

const idWidth = 8

func shortID(id string) string {
	if len(id) <= idWidth {
		return id
	}
	return id[:idWidth]
}

// renderList writes the sidebar: one row per note, newest first.
func renderList(w io.Writer, v viewmodel.View) {
	if v.Alert != "" {
		fmt.Fprintf(w, "! %s\n", v.Alert)
	}
	if v.Devices > 0 {
		fmt.Fprintf(w, "%d device(s) online\n", v.Devices)
	}
	if len(v.Rows) == 0 && !v.Loading {
		fmt.Fprintln(w, "No notes yet.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, r := range v.Rows {
		mark := " "
		if r.Selected {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s %s\t%s\t%s\t%s\n", mark, shortID(r.ID), r.Title, oneLine(r.Preview), r.Age)
	}
	_ = tw.Flush()
	switch {
	case v.Loading:
		fmt.Fprintln(w, "loading...")
	case v.HasMore:
		fmt.Fprintln(w, "more notes available (--all to fetch every page)")
	}
}

// renderEditor writes the open note, or nothing when the editor is closed.
func renderEditor(w io.Writer, v viewmodel.View) {
	e := v.Editor
	if !e.Open {
		return
	}
	id := e.NoteID
	if id == "" {
		id = "(new)"
	}
	fmt.Fprintf(w, "== %s [%s] %s\n", e.Title, id, e.Status)
	fmt.Fprintln(w, e.Content)
}

func renderView(w io.Writer, v viewmodel.View) {
	renderList(w, v)
	renderEditor(w, v)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
