package models

import (
	"context"

	"github.com/born-ml/vulcan/internal/datasets"
	"github.com/born-ml/vulcan/internal/device"
	"github.com/born-ml/vulcan/internal/domain"
	"github.com/born-ml/vulcan/internal/logger"
	"github.com/born-ml/vulcan/internal/metrics"
)

// Evaluate scores a classifier over loader. The report's Loss is the mean
// criterion value and AUC uses the prediction activation outputs.
func (n *BaseNetwork) Evaluate(ctx context.Context, loader *datasets.Loader) (*metrics.Report, error) {
	const op = "models.evaluate"
	if n.cfg.NumClasses == 0 {
		return nil, domain.Errorf(op, domain.KindInvalidConfig, n.cfg.Name, "evaluate needs num_classes")
	}
	if loader == nil {
		return nil, domain.Errorf(op, domain.KindInvalidConfig, n.cfg.Name, "loader is nil")
	}
	defer n.inference()()

	batches, err := loader.Batches()
	if err != nil {
		return nil, err
	}
	var (
		pred, truth []int
		scores      [][]float32
		total       float64
	)
	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		labels, err := batch.ClassIndices(n.cfg.NumClasses)
		if err != nil {
			return nil, err
		}
		inputs, err := n.batchInputs(batch)
		if err != nil {
			return nil, err
		}
		logits := n.ForwardInputs(inputs)
		l, _, err := n.loss(logits, batch)
		if err != nil {
			return nil, err
		}
		total += float64(l.Data()[0]) * float64(batch.Size())

		rows := splitRows(n.predAct(logits))
		scores = append(scores, rows...)
		for _, r := range rows {
			pred = append(pred, argmax(r))
		}
		truth = append(truth, labels...)
	}

	report, err := metrics.NewReport(pred, truth, scores, n.cfg.NumClasses)
	if err != nil {
		return nil, err
	}
	if len(truth) > 0 {
		report.Loss = total / float64(len(truth))
	}
	logger.L().Info("evaluate", "network", n.cfg.Name, "samples", report.Samples,
		"accuracy", report.Accuracy, "loss", report.Loss)
	return report, nil
}

// ForwardPass runs the network in eval mode over loader and returns one row
// per sample: the prediction activation output, or with convertToClass a
// single value holding the arg-max class.
func (n *BaseNetwork) ForwardPass(ctx context.Context, loader *datasets.Loader, convertToClass bool) ([][]float32, error) {
	if loader == nil {
		return nil, domain.Errorf("models.forward_pass", domain.KindInvalidConfig, n.cfg.Name, "loader is nil")
	}
	batches, err := loader.Batches()
	if err != nil {
		return nil, err
	}
	var out [][]float32
	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		inputs, err := n.batchInputs(batch)
		if err != nil {
			return nil, err
		}
		for _, r := range splitRows(n.Predict(inputs)) {
			if convertToClass {
				r = []float32{float32(argmax(r))}
			}
			out = append(out, r)
		}
	}
	return out, nil
}

// CrossValidate trains a fresh network from build on k-1 folds of ds and
// evaluates it on the held-out fold, for each of the k folds.
func CrossValidate(ctx context.Context, build func() (Network, error), ds datasets.Dataset, k, epochs, batch int, opts ...FitOption) ([]*metrics.Report, error) {
	if build == nil || ds == nil {
		return nil, domain.Errorf("models.cross_validate", domain.KindInvalidConfig, "", "build and dataset are required")
	}
	var reports []*metrics.Report
	var folds []metrics.Fold
	for i := 0; ; i++ {
		net, err := build()
		if err != nil {
			return reports, err
		}
		if folds == nil {
			if folds, err = metrics.KFold(ds.Len(), k, net.Config().Seed); err != nil {
				return nil, err
			}
		}

		fold := folds[i]
		train, err := foldLoader(ds, fold.Train, datasets.LoaderOptions{BatchSize: batch, Shuffle: true, Seed: uint64(i)})
		if err != nil {
			return reports, err
		}
		test, err := foldLoader(ds, fold.Test, datasets.LoaderOptions{BatchSize: batch})
		if err != nil {
			return reports, err
		}
		if _, err := net.Fit(ctx, train, nil, epochs, opts...); err != nil {
			return reports, err
		}
		report, err := net.Evaluate(ctx, test)
		if err != nil {
			return reports, err
		}
		logger.L().Info("cross_validate.fold", "fold", i, "accuracy", report.Accuracy, "loss", report.Loss)
		reports = append(reports, report)
		if i == len(folds)-1 {
			return reports, nil
		}
	}
}

func foldLoader(ds datasets.Dataset, indices []int, opts datasets.LoaderOptions) (*datasets.Loader, error) {
	sub, err := datasets.NewSubset(ds, indices)
	if err != nil {
		return nil, err
	}
	return datasets.NewLoader(sub, opts)
}

// splitRows copies a [N, ...] tensor into one flat row per sample.
func splitRows(t *device.Tensor) [][]float32 {
	shape := t.Shape()
	data := t.Data()
	width := product(shape[1:])
	rows := make([][]float32, shape[0])
	for i := range rows {
		rows[i] = append([]float32(nil), data[i*width:(i+1)*width]...)
	}
	return rows
}

func argmax(row []float32) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}
