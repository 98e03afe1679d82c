// Package sim simulates the EVALBOT drive train so the speed loop can be run
// without hardware.
package sim

import (
	"context"
	"sync"
	"time"

	"github.com/erh/viamevalbot"
)

// EdgeSink receives wheel clicks, normally a *viamevalbot.Drive.
type EdgeSink interface {
	WheelEdge(wheel viamevalbot.Wheel)
}

// PlantConfig describes a first order wheel model.
type PlantConfig struct {
	// Gain is the steady state rpm per percent of duty.
	Gain                float64
	TimeConstant        time.Duration
	ClicksPerRevolution int
}

// DefaultPlantConfig is a drive that needs a bit more duty than the rpm
// asked for.
func DefaultPlantConfig() PlantConfig {
	return PlantConfig{
		Gain:                0.8,
		TimeConstant:        200 * time.Millisecond,
		ClicksPerRevolution: 8,
	}
}

type plantWheel struct {
	reverse     bool
	powered     bool
	duty        float64 // percent
	rpm         float64
	clicks      float64 // fraction of a click since the last edge
	revolutions float64
}

// Plant is a pair of simulated motors. It implements viamevalbot.MotorDriver.
type Plant struct {
	cfg PlantConfig

	mu     sync.Mutex
	wheels [2]plantWheel
}

func NewPlant(cfg PlantConfig) *Plant {
	return &Plant{cfg: cfg}
}

func (p *Plant) SetDirection(ctx context.Context, wheel viamevalbot.Wheel, reverse bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wheels[wheel].reverse = reverse
	return nil
}

func (p *Plant) SetSpeed(ctx context.Context, wheel viamevalbot.Wheel, duty uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wheels[wheel].duty = float64(duty) / 256
	return nil
}

func (p *Plant) Run(ctx context.Context, wheel viamevalbot.Wheel) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wheels[wheel].powered = true
	return nil
}

func (p *Plant) Stop(ctx context.Context, wheel viamevalbot.Wheel) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wheels[wheel].powered = false
	return nil
}

// Step advances both wheels by dt and reports every click to sink.
func (p *Plant) Step(dt time.Duration, sink EdgeSink) {
	var edges []viamevalbot.Wheel

	p.mu.Lock()
	sec := dt.Seconds()
	alpha := sec / (p.cfg.TimeConstant.Seconds() + sec)
	for i := range p.wheels {
		w := &p.wheels[i]

		goal := 0.0
		if w.powered {
			goal = w.duty * p.cfg.Gain
		}
		w.rpm += (goal - w.rpm) * alpha

		turned := w.rpm / 60 * sec
		if w.reverse {
			w.revolutions -= turned
		} else {
			w.revolutions += turned
		}

		w.clicks += turned * float64(p.cfg.ClicksPerRevolution)
		for w.clicks >= 1 {
			w.clicks--
			edges = append(edges, viamevalbot.Wheel(i))
		}
	}
	p.mu.Unlock()

	for _, wheel := range edges {
		sink.WheelEdge(wheel)
	}
}

// RPM is the true speed of a wheel.
func (p *Plant) RPM(wheel viamevalbot.Wheel) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wheels[wheel].rpm
}

// Revolutions is the signed distance a wheel has turned.
func (p *Plant) Revolutions(wheel viamevalbot.Wheel) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wheels[wheel].revolutions
}
