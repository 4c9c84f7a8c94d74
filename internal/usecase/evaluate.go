package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"finrag/internal/adapter/retriever"
	"finrag/internal/filter"
)

// EvalCase is one golden question. Relevant lists the filenames (or full
// sources) that hold the answer.
type EvalCase struct {
	Question string         `yaml:"question" json:"question"`
	Filter   map[string]any `yaml:"filter,omitempty" json:"filter,omitempty"`
	Relevant []string       `yaml:"relevant" json:"relevant"`
}

// EvalResult holds the metrics of one case.
type EvalResult struct {
	Question  string        `json:"question"`
	Retrieved []string      `json:"retrieved"`
	Precision float64       `json:"precision"`
	Recall    float64       `json:"recall"`
	RR        float64       `json:"reciprocal_rank"`
	NDCG      float64       `json:"ndcg"`
	Error     string        `json:"error,omitempty"`
	Took      time.Duration `json:"took"`
}

// EvalReport averages the per-case metrics. Failed cases count as zero.
type EvalReport struct {
	Cases         []EvalResult `json:"cases"`
	MeanPrecision float64      `json:"mean_precision"`
	MeanRecall    float64      `json:"mean_recall"`
	MRR           float64      `json:"mrr"`
	MeanNDCG      float64      `json:"mean_ndcg"`
	Failed        int          `json:"failed"`
}

// Evaluate runs every case through r and scores the retrieved sources.
// A chunk counts as relevant when its filename or source is listed.
func Evaluate(ctx context.Context, r Retriever, cases []EvalCase, topK int, logger *slog.Logger) (*EvalReport, error) {
	if len(cases) == 0 {
		return nil, fmt.Errorf("no evaluation cases")
	}
	if logger == nil {
		logger = slog.Default()
	}

	report := &EvalReport{Cases: make([]EvalResult, 0, len(cases))}
	for _, c := range cases {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := evaluateCase(ctx, r, c, topK)
		if res.Error != "" {
			report.Failed++
			logger.Warn("evaluation case failed", "question", c.Question, "error", res.Error)
		}
		report.MeanPrecision += res.Precision
		report.MeanRecall += res.Recall
		report.MRR += res.RR
		report.MeanNDCG += res.NDCG
		report.Cases = append(report.Cases, res)
	}

	n := float64(len(cases))
	report.MeanPrecision /= n
	report.MeanRecall /= n
	report.MRR /= n
	report.MeanNDCG /= n
	return report, nil
}

func evaluateCase(ctx context.Context, r Retriever, c EvalCase, topK int) EvalResult {
	res := EvalResult{Question: c.Question}
	start := time.Now()

	f, err := filter.ParseFilter(c.Filter)
	if err != nil {
		res.Error = err.Error()
		res.Took = time.Since(start)
		return res
	}
	results, err := r.Retrieve(ctx, c.Question, f, topK)
	res.Took = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	relevant := make(map[string]bool, len(c.Relevant))
	for _, name := range c.Relevant {
		relevant[name] = true
	}

	labels := make([]string, len(results))
	gains := make([]float64, len(results))
	var distinct []string
	seen := make(map[string]bool)
	for i, sc := range results {
		md := sc.Chunk.Metadata
		label := md.Source
		if relevant[md.Filename] {
			label = md.Filename
		}
		labels[i] = label
		if relevant[label] {
			gains[i] = 1
		}
		if !seen[label] {
			seen[label] = true
			distinct = append(distinct, label)
		}
	}

	res.Retrieved = labels
	res.Precision = retriever.PrecisionAtK(labels, c.Relevant)
	res.Recall = retriever.RecallAtK(distinct, c.Relevant)
	for _, name := range c.Relevant {
		res.RR = max(res.RR, retriever.ReciprocalRank(labels, name))
	}

	ideal := append([]float64(nil), gains...)
	sort.Sort(sort.Reverse(sort.Float64Slice(ideal)))
	res.NDCG = retriever.NDCG(gains, ideal)
	return res
}
