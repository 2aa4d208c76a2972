package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/linnemanlabs/rapport/internal/insight"
)

const timeLayout = "2006-01-02 15:04"

// maxMessageWidth truncates messages in table output.
const maxMessageWidth = 72

type field struct {
	name  string
	value any
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printFields(w io.Writer, fields []field) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, f := range fields {
		fmt.Fprintf(tw, "%s:\t%v\n", f.name, f.value)
	}
	return tw.Flush()
}

func printInsights(w io.Writer, rows []insight.Insight) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "no insights")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tPERSON\tCONTEXT\tCONF\tEVIDENCE\tCREATED\tDISMISSED\tMESSAGE")
	for i := range rows {
		in := &rows[i]
		dismissed := "-"
		if in.DismissedAt != nil {
			dismissed = in.DismissedAt.UTC().Format(timeLayout)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			in.ID, in.Kind, orDash(in.PersonRef), orDash(in.ContextRef),
			formatConfidence(in.Confidence), len(in.EvidenceRefs),
			in.CreatedAt.UTC().Format(timeLayout), dismissed, clip(in.Message, maxMessageWidth))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
