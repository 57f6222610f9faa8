package motor

// PID is a discrete, anti-windup-clamped PID controller. The motor
// controller runs one instance per loop (RPM, current) at the same
// 100 Hz cadence Motor.Update samples RPM at, so each tick consumes one
// fresh measurement.
type PID struct {
	kp, ki, kd int32

	outputMin, outputMax int32

	integral    int32
	previousErr int32
	hasPrevious bool
}

// NewPID returns a PID with gains scaled by a fixed-point factor of 1000
// (matching the per-mille scale speed/duty values are expressed in
// elsewhere in this package) and output clamped to [outputMin, outputMax].
func NewPID(kp, ki, kd int32, outputMin, outputMax int32) *PID {
	return &PID{kp: kp, ki: ki, kd: kd, outputMin: outputMin, outputMax: outputMax}
}

// Reset clears the integrator and derivative history, used when a
// controller is handed a new setpoint discontinuously (e.g. after a
// Coast/Brake transition) to avoid a derivative kick or stale windup.
func (p *PID) Reset() {
	p.integral = 0
	p.previousErr = 0
	p.hasPrevious = false
}

// Update runs one control step given the error (setpoint - measurement)
// and returns the clamped control output. The integral term is only
// accumulated when the unclamped output would not already be saturated,
// a simple anti-windup measure.
func (p *PID) Update(errValue int32) int32 {
	proportional := p.kp * errValue

	var derivative int32
	if p.hasPrevious {
		derivative = p.kd * (errValue - p.previousErr)
	}
	p.previousErr = errValue
	p.hasPrevious = true

	candidateIntegral := p.integral + errValue
	unclamped := (proportional + p.ki*candidateIntegral + derivative) / 1000
	if unclamped >= p.outputMin && unclamped <= p.outputMax {
		p.integral = candidateIntegral
	}

	output := (proportional + p.ki*p.integral + derivative) / 1000
	if output > p.outputMax {
		output = p.outputMax
	} else if output < p.outputMin {
		output = p.outputMin
	}
	return output
}
