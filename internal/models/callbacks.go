package models

import (
	"encoding/csv"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/born-ml/vulcan/internal/domain"
	"github.com/born-ml/vulcan/internal/logger"
)

// TrainState is shared by the callbacks of one Fit call. Setting Stop ends
// training after the current epoch.
type TrainState struct {
	Network   Network
	Optimizer Optimizer
	Stop      bool
}

// Callback hooks into Fit. A returned error aborts training.
type Callback interface {
	OnTrainBegin(s *TrainState) error
	OnEpochBegin(epoch int, s *TrainState) error
	OnBatchEnd(batch int, loss float64, s *TrainState) error
	OnEpochEnd(e Epoch, s *TrainState) error
	OnTrainEnd(s *TrainState) error
}

// BaseCallback provides no-op implementations for Callback.
type BaseCallback struct{}

func (BaseCallback) OnTrainBegin(*TrainState) error             { return nil }
func (BaseCallback) OnEpochBegin(int, *TrainState) error        { return nil }
func (BaseCallback) OnBatchEnd(int, float64, *TrainState) error { return nil }
func (BaseCallback) OnEpochEnd(Epoch, *TrainState) error        { return nil }
func (BaseCallback) OnTrainEnd(*TrainState) error               { return nil }

// EarlyStopping stops training when the monitored loss has not improved by
// more than Threshold for Patience epochs. Patience <= 0 disables it.
type EarlyStopping struct {
	BaseCallback
	Patience  int
	Threshold float64

	bestLoss     float64
	numBadEpochs int
	Stopped      bool
	StoppedAt    int
}

// NewEarlyStopping returns an EarlyStopping that waits patience epochs
// without an improvement larger than threshold.
func NewEarlyStopping(patience int, threshold float64) *EarlyStopping {
	return &EarlyStopping{
		Patience:  patience,
		Threshold: threshold,
		bestLoss:  math.Inf(1),
	}
}

func (c *EarlyStopping) OnTrainBegin(*TrainState) error {
	c.bestLoss = math.Inf(1)
	c.numBadEpochs = 0
	c.Stopped = false
	c.StoppedAt = 0
	return nil
}

func (c *EarlyStopping) OnEpochEnd(e Epoch, s *TrainState) error {
	if c.Patience <= 0 {
		return nil
	}
	loss := e.Monitored()
	if loss < c.bestLoss-c.Threshold {
		c.bestLoss = loss
		c.numBadEpochs = 0
	} else {
		c.numBadEpochs++
	}

	if c.numBadEpochs >= c.Patience {
		logger.L().Info("train.early_stop", "epoch", e.Epoch, "loss", loss, "patience", c.Patience)
		c.Stopped = true
		c.StoppedAt = e.Epoch
		s.Stop = true
	}
	return nil
}

// Checkpoint saves the network to Path whenever the monitored loss reaches a
// new best.
type Checkpoint struct {
	BaseCallback
	Path string

	bestLoss float64
	Saved    int
}

// NewCheckpoint returns a Checkpoint writing to path.
func NewCheckpoint(path string) *Checkpoint {
	return &Checkpoint{Path: path, bestLoss: math.Inf(1)}
}

func (c *Checkpoint) OnEpochEnd(e Epoch, s *TrainState) error {
	loss := e.Monitored()
	if loss >= c.bestLoss {
		return nil
	}
	c.bestLoss = loss
	if err := Save(s.Network, c.Path); err != nil {
		return err
	}
	c.Saved++
	logger.L().Debug("train.checkpoint", "epoch", e.Epoch, "loss", loss, "path", c.Path)
	return nil
}

// CSVLogger writes one row per epoch to a CSV file.
type CSVLogger struct {
	BaseCallback
	Path string

	f     *os.File
	w     *csv.Writer
	start time.Time
}

// NewCSVLogger returns a CSVLogger that truncates path when training begins.
func NewCSVLogger(path string) *CSVLogger {
	return &CSVLogger{Path: path}
}

var csvHeader = []string{"epoch", "loss", "accuracy", "val_loss", "val_accuracy", "lr", "time"}

func (c *CSVLogger) OnTrainBegin(*TrainState) error {
	f, err := os.Create(c.Path)
	if err != nil {
		return domain.Errorf("models.csv_logger", domain.KindNotFound, c.Path, "%v", err)
	}
	c.f = f
	c.w = csv.NewWriter(f)
	c.start = time.Now()
	return c.w.Write(csvHeader)
}

func (c *CSVLogger) OnEpochEnd(e Epoch, _ *TrainState) error {
	if c.w == nil {
		return nil
	}
	val := func(v float64) string {
		if !e.HasValidation {
			return ""
		}
		return formatFloat(v)
	}
	row := []string{
		strconv.Itoa(e.Epoch),
		formatFloat(e.TrainLoss),
		formatFloat(e.TrainAccuracy),
		val(e.ValLoss),
		val(e.ValAccuracy),
		formatFloat(e.LR),
		strconv.FormatFloat(time.Since(c.start).Seconds(), 'f', 3, 64),
	}
	if err := c.w.Write(row); err != nil {
		return err
	}
	c.w.Flush()
	return c.w.Error()
}

func (c *CSVLogger) OnTrainEnd(*TrainState) error {
	if c.f == nil {
		return nil
	}
	c.w.Flush()
	err := c.w.Error()
	if cerr := c.f.Close(); err == nil {
		err = cerr
	}
	c.f, c.w = nil, nil
	return err
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}

// StepLR multiplies the learning rate by Gamma every StepSize epochs of a
// Fit call. StepSize <= 0 leaves the rate unchanged.
type StepLR struct {
	BaseCallback
	StepSize int
	Gamma    float64

	lastEpoch int
}

// NewStepLR returns a StepLR decaying by gamma every stepSize epochs.
func NewStepLR(stepSize int, gamma float64) *StepLR {
	return &StepLR{StepSize: stepSize, Gamma: gamma}
}

func (c *StepLR) OnTrainBegin(*TrainState) error {
	c.lastEpoch = 0
	return nil
}

func (c *StepLR) OnEpochEnd(_ Epoch, s *TrainState) error {
	c.lastEpoch++
	if c.StepSize > 0 && c.lastEpoch%c.StepSize == 0 {
		s.Optimizer.SetLR(s.Optimizer.GetLR() * float32(c.Gamma))
	}
	return nil
}
