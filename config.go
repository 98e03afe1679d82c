package viamevalbot

import (
	"errors"
	"math"
	"time"

	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"
)

// Defaults for the EVALBOT drive train.
const (
	defaultClicksPerRevolution = 8
	defaultMinRPM              = 5
	defaultMaxRPM              = 100
	defaultTaskPeriod          = 100 * time.Millisecond

	defaultPGain = 4096 // 1/16 in 16.16
	defaultIGain = 0
	defaultDGain = 0

	defaultIntegratorMax = 0
	defaultIntegratorMin = 0
)

// Config is the attribute block of an evalbot base.
type Config struct {
	Left  string `json:"left"`
	Right string `json:"right"`

	Board          string `json:"board"`
	LeftInterrupt  string `json:"left_interrupt"`
	RightInterrupt string `json:"right_interrupt"`

	WidthMM              float64 `json:"width_mm"`
	WheelCircumferenceMM float64 `json:"wheel_circumference_mm"`

	ClicksPerRevolution int `json:"clicks_per_revolution,omitempty"`
	MinRPM              int `json:"min_rpm,omitempty"`
	MaxRPM              int `json:"max_rpm,omitempty"`
	TaskPeriodMS        int `json:"task_period_ms,omitempty"`

	// gains and integrator bounds are 16.16 fixed point
	PGain         *int32 `json:"p_gain,omitempty"`
	IGain         *int32 `json:"i_gain,omitempty"`
	DGain         *int32 `json:"d_gain,omitempty"`
	IntegratorMax *int32 `json:"integrator_max,omitempty"`
	IntegratorMin *int32 `json:"integrator_min,omitempty"`
}

// Validate checks the config and returns the motors and board it depends on.
func (cfg *Config) Validate(path string) ([]string, error) {
	if cfg.Left == "" {
		return nil, utils.NewConfigValidationFieldRequiredError(path, "left")
	}
	if cfg.Right == "" {
		return nil, utils.NewConfigValidationFieldRequiredError(path, "right")
	}
	if cfg.Board == "" {
		return nil, utils.NewConfigValidationFieldRequiredError(path, "board")
	}
	if cfg.LeftInterrupt == "" {
		return nil, utils.NewConfigValidationFieldRequiredError(path, "left_interrupt")
	}
	if cfg.RightInterrupt == "" {
		return nil, utils.NewConfigValidationFieldRequiredError(path, "right_interrupt")
	}
	if cfg.WidthMM <= 0 {
		return nil, utils.NewConfigValidationError(path, errors.New("width_mm must be positive"))
	}
	if cfg.WheelCircumferenceMM <= 0 {
		return nil, utils.NewConfigValidationError(path, errors.New("wheel_circumference_mm must be positive"))
	}
	if cfg.TaskPeriodMS < 0 {
		return nil, utils.NewConfigValidationError(path, errors.New("task_period_ms cannot be negative"))
	}

	dc := cfg.driveConfig()
	if _, err := newSpeedLimits(microsecondTicks, dc.ClicksPerRevolution, dc.MinRPM, dc.MaxRPM); err != nil {
		return nil, utils.NewConfigValidationError(path, err)
	}

	return []string{cfg.Left, cfg.Right, cfg.Board}, nil
}

func (cfg *Config) driveConfig() DriveConfig {
	dc := DriveConfig{
		ClicksPerRevolution: cfg.ClicksPerRevolution,
		MinRPM:              cfg.MinRPM,
		MaxRPM:              cfg.MaxRPM,
		PGain:               int32OrDefault(cfg.PGain, defaultPGain),
		IGain:               int32OrDefault(cfg.IGain, defaultIGain),
		DGain:               int32OrDefault(cfg.DGain, defaultDGain),
		IntegratorMax:       int32OrDefault(cfg.IntegratorMax, defaultIntegratorMax),
		IntegratorMin:       int32OrDefault(cfg.IntegratorMin, defaultIntegratorMin),
	}
	if dc.ClicksPerRevolution == 0 {
		dc.ClicksPerRevolution = defaultClicksPerRevolution
	}
	if dc.MinRPM == 0 {
		dc.MinRPM = defaultMinRPM
	}
	if dc.MaxRPM == 0 {
		dc.MaxRPM = defaultMaxRPM
	}
	return dc
}

func (cfg *Config) taskPeriod() time.Duration {
	if cfg.TaskPeriodMS == 0 {
		return defaultTaskPeriod
	}
	return time.Duration(cfg.TaskPeriodMS) * time.Millisecond
}

func int32OrDefault(v *int32, def int32) int32 {
	if v == nil {
		return def
	}
	return *v
}

// wheelRPM converts a body velocity into signed left and right wheel rpm.
// linear is in mm/s, angular in deg/s counter clockwise.
//
//	linear  = (left + right) / 2
//	angular = (right - left) / width
func (cfg *Config) wheelRPM(linear, angular float64) (left, right float64, err error) {
	a := mat.NewDense(2, 2, []float64{
		0.5, 0.5,
		-1 / cfg.WidthMM, 1 / cfg.WidthMM,
	})
	b := mat.NewVecDense(2, []float64{linear, angular * math.Pi / 180})

	var wheels mat.VecDense
	if err := wheels.SolveVec(a, b); err != nil {
		return 0, 0, err
	}

	toRPM := 60 / cfg.WheelCircumferenceMM
	return wheels.AtVec(0) * toRPM, wheels.AtVec(1) * toRPM, nil
}
