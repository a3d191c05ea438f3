package shell

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kalambet/qcluster/internal/pipeline"
)

// WriteResult prints the per-question outcome of one processed message.
func WriteResult(w io.Writer, res pipeline.Result) {
	a := res.IntentAnalysis
	source := "model"
	if res.ExtractionFallback {
		source = "fallback"
	}
	fmt.Fprintf(w, "Intent (%s): topic=%s tone=%s", source, a.Topic, a.Tone)
	if len(a.Tags) > 0 {
		fmt.Fprintf(w, " tags=%s", strings.Join(a.Tags, ","))
	}
	fmt.Fprintln(w)
	if a.Context != "" {
		fmt.Fprintf(w, "Context: %s\n", a.Context)
	}

	if res.TotalQuestionsProcessed == 0 {
		fmt.Fprintln(w, "No questions found; nothing stored.")
		return
	}
	fmt.Fprintf(w, "Questions (%d):\n", res.TotalQuestionsProcessed)
	for i, qr := range res.ClusteringResults {
		fmt.Fprintf(w, "  %d. %s\n", i+1, qr.QuestionText)
		if qr.Error != "" {
			fmt.Fprintf(w, "     ✗ %s\n", qr.Error)
			continue
		}
		fmt.Fprintf(w, "     ✓ %s cluster=%s\n", qr.Status, qr.ClusterID)
		for _, n := range qr.SimilarQuestions {
			fmt.Fprintf(w, "       ~ %.3f %q\n", n.Score, n.QuestionText)
		}
		if len(qr.MemberErrors) > 0 {
			fmt.Fprintf(w, "     ⚠ %d member update(s) failed\n", len(qr.MemberErrors))
		}
	}
}

// WriteReport prints a cluster report grouped by cluster.
func WriteReport(w io.Writer, r pipeline.ClusterReport) {
	fmt.Fprintf(w, "%d vector(s) in %d cluster(s), %d unclustered\n",
		r.TotalVectors, len(r.Clusters), len(r.Unclustered))
	for _, c := range r.Clusters {
		fmt.Fprintf(w, "\n[%s] topic=%s created=%s members=%d\n",
			c.ClusterID, c.Topic, formatMillis(c.CreatedAtMillis), len(c.Members))
		writeMembers(w, c.Members)
	}
	if len(r.Unclustered) > 0 {
		fmt.Fprintln(w, "\n[unclustered]")
		writeMembers(w, r.Unclustered)
	}
}

func writeMembers(w io.Writer, members []pipeline.ClusterMember) {
	for _, m := range members {
		fmt.Fprintf(w, "  - %s\n", m.QuestionText)
		if m.FullMessageText != "" {
			fmt.Fprintf(w, "      from: %s\n", m.FullMessageText)
		}
	}
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "unknown"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
