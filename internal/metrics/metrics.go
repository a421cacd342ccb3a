// Package metrics scores classification results: accuracy, confusion
// matrices, per-class rates, one-vs-rest ROC AUC and k-fold splits.
package metrics

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"text/tabwriter"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"

	"github.com/born-ml/vulcan/internal/domain"
	"github.com/born-ml/vulcan/internal/parallel"
)

// Accuracy returns the fraction of pred equal to truth.
func Accuracy(pred, truth []int) float64 {
	if len(pred) == 0 || len(pred) != len(truth) {
		return 0
	}
	correct := 0
	for i, p := range pred {
		if p == truth[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(pred))
}

// Matrix is a confusion matrix indexed [truth][pred].
type Matrix [][]int

// ConfusionMatrix counts pred against truth over k classes.
func ConfusionMatrix(pred, truth []int, k int) (Matrix, error) {
	const op = "metrics.confusion_matrix"
	if len(pred) != len(truth) {
		return nil, domain.Errorf(op, domain.KindShapeMismatch, "", "%d predictions for %d labels", len(pred), len(truth))
	}
	if k <= 0 {
		return nil, domain.Errorf(op, domain.KindInvalidConfig, "", "class count %d", k)
	}
	m := make(Matrix, k)
	for i := range m {
		m[i] = make([]int, k)
	}
	for i, p := range pred {
		t := truth[i]
		if p < 0 || p >= k || t < 0 || t >= k {
			return nil, domain.Errorf(op, domain.KindInvalidConfig, "", "sample %d: class out of range (pred %d, truth %d, k %d)", i, p, t, k)
		}
		m[t][p]++
	}
	return m, nil
}

// Total returns the number of counted samples.
func (m Matrix) Total() int {
	n := 0
	for _, row := range m {
		for _, v := range row {
			n += v
		}
	}
	return n
}

// ClassStats holds one-vs-rest rates for a single class.
type ClassStats struct {
	Class          int
	TP, FP, TN, FN int

	Sensitivity float64
	Specificity float64
	Precision   float64
	NPV         float64
	F1          float64
	MCC         float64
	AUC         float64
}

// PerClass derives one-vs-rest statistics for every class of m. AUC is left
// as NaN; Report fills it from scores.
func PerClass(m Matrix) []ClassStats {
	total := m.Total()
	out := make([]ClassStats, len(m))
	for c := range m {
		tp := m[c][c]
		fn, fp := 0, 0
		for j := range m {
			if j == c {
				continue
			}
			fn += m[c][j]
			fp += m[j][c]
		}
		tn := total - tp - fn - fp

		s := ClassStats{Class: c, TP: tp, FP: fp, TN: tn, FN: fn, AUC: math.NaN()}
		s.Sensitivity = ratio(tp, tp+fn)
		s.Specificity = ratio(tn, tn+fp)
		s.Precision = ratio(tp, tp+fp)
		s.NPV = ratio(tn, tn+fn)
		if s.Precision+s.Sensitivity > 0 {
			s.F1 = 2 * s.Precision * s.Sensitivity / (s.Precision + s.Sensitivity)
		}
		den := math.Sqrt(float64(tp+fp) * float64(tp+fn) * float64(tn+fp) * float64(tn+fn))
		if den > 0 {
			s.MCC = (float64(tp)*float64(tn) - float64(fp)*float64(fn)) / den
		}
		out[c] = s
	}
	return out
}

// Macro averages the rates of stats. NaN AUCs are skipped.
func Macro(stats []ClassStats) ClassStats {
	avg := ClassStats{Class: -1, AUC: math.NaN()}
	if len(stats) == 0 {
		return avg
	}
	var auc float64
	nAUC := 0
	for _, s := range stats {
		avg.Sensitivity += s.Sensitivity
		avg.Specificity += s.Specificity
		avg.Precision += s.Precision
		avg.NPV += s.NPV
		avg.F1 += s.F1
		avg.MCC += s.MCC
		if !math.IsNaN(s.AUC) {
			auc += s.AUC
			nAUC++
		}
	}
	n := float64(len(stats))
	avg.Sensitivity /= n
	avg.Specificity /= n
	avg.Precision /= n
	avg.NPV /= n
	avg.F1 /= n
	avg.MCC /= n
	if nAUC > 0 {
		avg.AUC = auc / float64(nAUC)
	}
	return avg
}

// AUC is the one-vs-rest area under the ROC curve of class, where scores[i]
// holds the per-class scores of sample i. It is NaN when truth has no
// positives or no negatives for class.
func AUC(scores [][]float32, truth []int, class int) float64 {
	y := make([]float64, len(truth))
	classes := make([]bool, len(truth))
	pos := 0
	for i, t := range truth {
		y[i] = float64(scores[i][class])
		classes[i] = t == class
		if classes[i] {
			pos++
		}
	}
	if pos == 0 || pos == len(truth) {
		return math.NaN()
	}
	stat.SortWeightedLabeled(y, classes, nil)
	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)
	return integrate.Trapezoidal(fpr, tpr)
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Report aggregates the evaluation of a classifier.
type Report struct {
	Samples   int
	Accuracy  float64
	Loss      float64
	Confusion Matrix
	Classes   []ClassStats
	Macro     ClassStats
}

// NewReport scores pred against truth over k classes. scores may be nil, in
// which case AUC is omitted.
func NewReport(pred, truth []int, scores [][]float32, k int) (*Report, error) {
	m, err := ConfusionMatrix(pred, truth, k)
	if err != nil {
		return nil, err
	}
	classes := PerClass(m)
	if scores != nil {
		if len(scores) != len(truth) {
			return nil, domain.Errorf("metrics.new_report", domain.KindShapeMismatch, "",
				"%d score rows for %d labels", len(scores), len(truth))
		}
		parallel.For(len(classes), func(c int) {
			classes[c].AUC = AUC(scores, truth, c)
		}, parallel.DefaultConfig())
	}
	return &Report{
		Samples:   len(truth),
		Accuracy:  Accuracy(pred, truth),
		Confusion: m,
		Classes:   classes,
		Macro:     Macro(classes),
	}, nil
}

// String renders the report as an aligned table.
func (r *Report) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "samples: %d  accuracy: %.4f  loss: %.4f\n\n", r.Samples, r.Accuracy, r.Loss)

	tw := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "class\tsens\tspec\tprec\tnpv\tf1\tmcc\tauc\t")
	row := func(label string, s ClassStats) {
		fmt.Fprintf(tw, "%s\t%.3f\t%.3f\t%.3f\t%.3f\t%.3f\t%.3f\t%s\t\n", label,
			s.Sensitivity, s.Specificity, s.Precision, s.NPV, s.F1, s.MCC, formatAUC(s.AUC))
	}
	for _, s := range r.Classes {
		row(fmt.Sprint(s.Class), s)
	}
	row("macro", r.Macro)
	_ = tw.Flush()
	return sb.String()
}

func formatAUC(v float64) string {
	if math.IsNaN(v) {
		return "-"
	}
	return fmt.Sprintf("%.3f", v)
}

// Fold is one train/test split of KFold.
type Fold struct {
	Train []int
	Test  []int
}

// KFold shuffles n indices with seed and splits them into k folds. The first
// n%k folds get one extra test index.
func KFold(n, k int, seed uint64) ([]Fold, error) {
	if k < 2 || k > n {
		return nil, domain.Errorf("metrics.kfold", domain.KindInvalidConfig, "", "need 2 <= k <= n, got k=%d n=%d", k, n)
	}
	perm := rand.New(rand.NewPCG(seed, seed+1)).Perm(n)

	folds := make([]Fold, k)
	start := 0
	for f := range folds {
		size := n / k
		if f < n%k {
			size++
		}
		end := start + size
		test := append([]int(nil), perm[start:end]...)
		train := make([]int, 0, n-size)
		train = append(train, perm[:start]...)
		train = append(train, perm[end:]...)
		folds[f] = Fold{Train: train, Test: test}
		start = end
	}
	return folds, nil
}
