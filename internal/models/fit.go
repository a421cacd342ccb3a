package models

import (
	"context"
	"math"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/optim"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/vulcan/internal/config"
	"github.com/born-ml/vulcan/internal/datasets"
	"github.com/born-ml/vulcan/internal/device"
	"github.com/born-ml/vulcan/internal/domain"
	"github.com/born-ml/vulcan/internal/logger"
)

// Optimizer is the part of Born's optimizers Fit and its callbacks use.
type Optimizer interface {
	Step(grads map[*tensor.RawTensor]*tensor.RawTensor)
	ZeroGrad()
	GetLR() float32
	SetLR(lr float32)
}

// OptimSpec selects an optimizer and its hyperparameters.
type OptimSpec struct {
	Name     string
	LR       float64
	Betas    [2]float64
	Eps      float64
	Momentum float64
}

// OptimSpecFrom converts a configured optimizer.
func OptimSpecFrom(o config.Optimizer) OptimSpec {
	s := OptimSpec{Name: o.Name, LR: o.LR, Eps: o.Eps, Momentum: o.Momentum}
	if len(o.Betas) == 2 {
		s.Betas = [2]float64{o.Betas[0], o.Betas[1]}
	}
	return s
}

// New creates the optimizer over params.
func (s OptimSpec) New(params []*device.Parameter, b *device.Backend) (Optimizer, error) {
	switch s.Name {
	case config.Adam, "":
		return optim.NewAdam(params, optim.AdamConfig{
			LR:    float32(s.LR),
			Betas: [2]float32{float32(s.Betas[0]), float32(s.Betas[1])},
			Eps:   float32(s.Eps),
		}, b), nil
	case config.SGD:
		return optim.NewSGD(params, optim.SGDConfig{
			LR:       float32(s.LR),
			Momentum: float32(s.Momentum),
		}, b), nil
	default:
		return nil, domain.Errorf("models.optimizer", domain.KindInvalidConfig, s.Name, "unknown optimizer %q", s.Name)
	}
}

// Epoch is one row of the training history.
type Epoch struct {
	Epoch         int
	TrainLoss     float64
	TrainAccuracy float64
	ValLoss       float64
	ValAccuracy   float64
	HasValidation bool
	LR            float64
}

// Monitored returns the validation loss when there is one, else the
// training loss.
func (e Epoch) Monitored() float64 {
	if e.HasValidation {
		return e.ValLoss
	}
	return e.TrainLoss
}

// History records the epochs of every Fit call on a network.
type History struct {
	Epochs []Epoch
}

// Last returns the most recent epoch.
func (h *History) Last() (Epoch, bool) {
	if h == nil || len(h.Epochs) == 0 {
		return Epoch{}, false
	}
	return h.Epochs[len(h.Epochs)-1], true
}

type fitOptions struct {
	optim     *OptimSpec
	callbacks []Callback
}

// FitOption customizes Fit.
type FitOption func(*fitOptions)

// WithCallbacks adds training callbacks, called in order.
func WithCallbacks(cbs ...Callback) FitOption {
	return func(o *fitOptions) { o.callbacks = append(o.callbacks, cbs...) }
}

// WithOptimizer overrides the configured optimizer.
func WithOptimizer(spec OptimSpec) FitOption {
	return func(o *fitOptions) { o.optim = &spec }
}

// Fit trains the network for epochs passes over train, scoring val after
// each epoch when it is non-nil. Cancelling ctx stops training between
// batches and returns the history so far with ctx's error.
func (n *BaseNetwork) Fit(ctx context.Context, train, val *datasets.Loader, epochs int, opts ...FitOption) (*History, error) {
	const op = "models.fit"
	if train == nil {
		return nil, domain.Errorf(op, domain.KindInvalidConfig, n.cfg.Name, "training loader is nil")
	}
	if epochs <= 0 {
		return nil, domain.Errorf(op, domain.KindInvalidConfig, n.cfg.Name, "epochs must be positive, got %d", epochs)
	}

	var o fitOptions
	for _, opt := range opts {
		opt(&o)
	}
	spec := OptimSpecFrom(n.cfg.Optimizer)
	if o.optim != nil {
		spec = *o.optim
	}
	optimizer, err := spec.New(n.Parameters(), n.backend)
	if err != nil {
		return nil, err
	}

	tape := n.backend.Tape()
	wasRecording := tape.IsRecording()
	wasTraining := n.training
	defer func() {
		tape.Clear()
		if wasRecording {
			tape.StartRecording()
		} else {
			tape.StopRecording()
		}
		n.SetTraining(wasTraining)
	}()

	state := &TrainState{Network: n.self, Optimizer: optimizer}
	for _, cb := range o.callbacks {
		if err := cb.OnTrainBegin(state); err != nil {
			return n.history, err
		}
	}

	log := logger.L().With("network", n.cfg.Name)
	offset := len(n.history.Epochs)
	var fitErr error
	for e := 1; e <= epochs && !state.Stop; e++ {
		epoch := offset + e
		for _, cb := range o.callbacks {
			if fitErr = cb.OnEpochBegin(epoch, state); fitErr != nil {
				break
			}
		}
		if fitErr != nil {
			break
		}

		n.SetTraining(true)
		rec := Epoch{Epoch: epoch, LR: float64(optimizer.GetLR())}
		rec.TrainLoss, rec.TrainAccuracy, fitErr = n.trainEpoch(ctx, train, optimizer, state, o.callbacks)
		if fitErr != nil {
			break
		}
		if val != nil {
			rec.ValLoss, rec.ValAccuracy, fitErr = n.score(ctx, val)
			if fitErr != nil {
				break
			}
			rec.HasValidation = true
		}
		n.history.Epochs = append(n.history.Epochs, rec)
		log.Info("train.epoch",
			"epoch", epoch,
			"loss", rec.TrainLoss,
			"accuracy", rec.TrainAccuracy,
			"val_loss", rec.ValLoss,
			"val_accuracy", rec.ValAccuracy,
			"lr", rec.LR,
		)

		for _, cb := range o.callbacks {
			if fitErr = cb.OnEpochEnd(rec, state); fitErr != nil {
				break
			}
		}
		if fitErr != nil {
			break
		}
	}
	if state.Stop {
		log.Info("train.stopped", "epoch", len(n.history.Epochs))
	}

	for _, cb := range o.callbacks {
		if err := cb.OnTrainEnd(state); err != nil && fitErr == nil {
			fitErr = err
		}
	}
	return n.history, fitErr
}

func (n *BaseNetwork) trainEpoch(ctx context.Context, loader *datasets.Loader, optimizer Optimizer, state *TrainState, cbs []Callback) (loss, accuracy float64, err error) {
	batches, err := loader.Batches()
	if err != nil {
		return 0, 0, err
	}
	tape := n.backend.Tape()

	var total float64
	var correct, seen int
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		inputs, err := n.batchInputs(batch)
		if err != nil {
			return 0, 0, err
		}

		optimizer.ZeroGrad()
		tape.Clear()
		tape.StartRecording()
		out := n.ForwardInputs(inputs)
		l, c, err := n.loss(out, batch)
		if err != nil {
			tape.StopRecording()
			tape.Clear()
			return 0, 0, err
		}
		grads := tape.Backward(device.Constant(l.Shape(), 1, n.backend).Raw(), n.backend)
		tape.StopRecording()
		optimizer.Step(grads)
		tape.Clear()

		lv := float64(l.Data()[0])
		total += lv * float64(batch.Size())
		correct += c
		seen += batch.Size()
		for _, cb := range cbs {
			if err := cb.OnBatchEnd(i, lv, state); err != nil {
				return 0, 0, err
			}
		}
	}
	if seen == 0 {
		return 0, 0, nil
	}
	return total / float64(seen), float64(correct) / float64(seen), nil
}

// score computes mean loss and accuracy over loader in eval mode.
func (n *BaseNetwork) score(ctx context.Context, loader *datasets.Loader) (loss, accuracy float64, err error) {
	defer n.inference()()
	batches, err := loader.Batches()
	if err != nil {
		return 0, 0, err
	}
	var total float64
	var correct, seen int
	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		inputs, err := n.batchInputs(batch)
		if err != nil {
			return 0, 0, err
		}
		l, c, err := n.loss(n.ForwardInputs(inputs), batch)
		if err != nil {
			return 0, 0, err
		}
		total += float64(l.Data()[0]) * float64(batch.Size())
		correct += c
		seen += batch.Size()
	}
	if seen == 0 {
		return 0, 0, nil
	}
	return total / float64(seen), float64(correct) / float64(seen), nil
}

func (n *BaseNetwork) batchInputs(batch *datasets.Batch) ([]*device.Tensor, error) {
	if batch.NumInputs() != n.NumInputs() {
		return nil, domain.Errorf("models.batch", domain.KindShapeMismatch, n.cfg.Name,
			"batch has %d inputs, network takes %d", batch.NumInputs(), n.NumInputs())
	}
	return batch.Inputs(n.backend)
}

// loss applies the configured criterion. correct counts right predictions
// for cross-entropy and is 0 for MSE.
func (n *BaseNetwork) loss(out *device.Tensor, batch *datasets.Batch) (loss *device.Tensor, correct int, err error) {
	b := n.backend
	if n.cfg.Criterion == config.CrossEntropy {
		labels, err := batch.Labels(b, out.Shape()[1])
		if err != nil {
			return nil, 0, err
		}
		loss = tensor.New[float32](b.CrossEntropy(out.Raw(), labels.Raw()), b)
		acc := nn.Accuracy(out, labels)
		return loss, int(math.Round(float64(acc) * float64(batch.Size()))), nil
	}

	targets, err := batch.Targets(b)
	if err != nil {
		return nil, 0, err
	}
	flat := flatten(out)
	if !flat.Shape().Equal(targets.Shape()) {
		return nil, 0, domain.Errorf("models.loss", domain.KindShapeMismatch, n.cfg.Name,
			"output %v does not match targets %v", flat.Shape(), targets.Shape())
	}
	diff := flat.Sub(targets)
	count := product(flat.Shape())
	sq := diff.Mul(diff).Reshape(1, count)
	mean := device.Constant(tensor.Shape{count, 1}, 1/float32(count), b)
	return sq.MatMul(mean), 0, nil
}
