package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/qcluster/internal/clustering"
	"github.com/kalambet/qcluster/internal/vectorstore"
)

// ClusterMember is one stored question as shown in a report.
// FullMessageText is empty when it equals the question.
type ClusterMember struct {
	ID              string `json:"id" yaml:"id"`
	QuestionText    string `json:"questionText" yaml:"questionText"`
	FullMessageText string `json:"fullMessageText,omitempty" yaml:"fullMessageText,omitempty"`
	CreatedAtMillis int64  `json:"createdAtMillis" yaml:"createdAtMillis"`
}

// ClusterGroup is every listed question sharing one cluster id. Topic and
// CreatedAtMillis come from the first member listed.
type ClusterGroup struct {
	ClusterID       string          `json:"clusterId" yaml:"clusterId"`
	Topic           string          `json:"topic" yaml:"topic"`
	CreatedAtMillis int64           `json:"createdAtMillis" yaml:"createdAtMillis"`
	Members         []ClusterMember `json:"members" yaml:"members"`
}

// ClusterReport is a snapshot of the store grouped by cluster.
type ClusterReport struct {
	Clusters     []ClusterGroup  `json:"clusters" yaml:"clusters"`
	Unclustered  []ClusterMember `json:"unclustered" yaml:"unclustered"`
	TotalVectors int             `json:"totalVectors" yaml:"totalVectors"`
}

// DisplayClusters reads up to one page of the store and groups it by
// cluster id, in the order clusters are first seen.
func (o *Orchestrator) DisplayClusters(ctx context.Context) (ClusterReport, error) {
	recs, err := o.store.List(ctx, vectorstore.MaxListSize)
	if err != nil {
		return ClusterReport{}, fmt.Errorf("listing questions: %w", err)
	}

	report := ClusterReport{
		Clusters:     []ClusterGroup{},
		Unclustered:  []ClusterMember{},
		TotalVectors: len(recs),
	}
	index := make(map[string]int)
	for _, rec := range recs {
		q := clustering.RecordFromMetadata(rec.ID, rec.Metadata)
		m := ClusterMember{ID: q.ID, QuestionText: q.QuestionText, CreatedAtMillis: q.CreatedAtMillis}
		if q.FullMessageText != q.QuestionText {
			m.FullMessageText = q.FullMessageText
		}

		if q.ClusterID == nil {
			report.Unclustered = append(report.Unclustered, m)
			continue
		}
		i, ok := index[*q.ClusterID]
		if !ok {
			created := q.CreatedAtMillis
			if q.ClusterAssignedAtMillis != nil {
				created = *q.ClusterAssignedAtMillis
			}
			i = len(report.Clusters)
			index[*q.ClusterID] = i
			report.Clusters = append(report.Clusters, ClusterGroup{
				ClusterID:       *q.ClusterID,
				Topic:           q.Topic,
				CreatedAtMillis: created,
			})
		}
		report.Clusters[i].Members = append(report.Clusters[i].Members, m)
	}
	return report, nil
}

const deleteChunk = 100

// ClearAll deletes every stored question, one listed page at a time, and
// returns how many distinct ids were deleted. Ids a lagging store lists
// again after deletion are not counted twice; a page made only of such ids
// ends the sweep.
func (o *Orchestrator) ClearAll(ctx context.Context) (int, error) {
	deleted := make(map[string]struct{})
	for {
		recs, err := o.store.List(ctx, vectorstore.MaxListSize)
		if err != nil {
			return len(deleted), fmt.Errorf("listing questions: %w", err)
		}
		if len(recs) == 0 {
			break
		}

		ids := make([]string, 0, len(recs))
		fresh := 0
		for _, r := range recs {
			ids = append(ids, r.ID)
			if _, seen := deleted[r.ID]; !seen {
				fresh++
			}
		}
		if fresh == 0 {
			o.logger.Warn("store still lists deleted questions", "count", len(ids))
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(4)
		for start := 0; start < len(ids); start += deleteChunk {
			chunk := ids[start:min(start+deleteChunk, len(ids))]
			g.Go(func() error {
				return o.store.DeleteAll(gctx, chunk)
			})
		}
		if err := g.Wait(); err != nil {
			return len(deleted), fmt.Errorf("deleting questions: %w", err)
		}
		for _, id := range ids {
			deleted[id] = struct{}{}
		}
	}

	o.logger.Info("cleared vector store", "deleted", len(deleted))
	return len(deleted), nil
}
