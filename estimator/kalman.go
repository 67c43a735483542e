package estimator

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// velocityFilter is a linear Kalman filter over a 3-vector of base
// velocity. The transition, control, and measurement matrices are all
// identity: the state advances only through the externally integrated
// control input, and measurements live in the same velocity space as the
// state, which lets the recursion collapse to a handful of 3x3 operations.
type velocityFilter struct {
	x *mat.VecDense // state estimate
	p *mat.Dense    // state covariance
	q *mat.Dense    // process noise covariance
	r *mat.Dense    // measurement noise covariance

	initialVariance float64
}

func newVelocityFilter(accelerometerVariance, sensorVariance, initialVariance float64) *velocityFilter {
	return &velocityFilter{
		x:               mat.NewVecDense(3, nil),
		p:               newDiagonal(initialVariance),
		q:               newDiagonal(accelerometerVariance),
		r:               newDiagonal(sensorVariance),
		initialVariance: initialVariance,
	}
}

func newDiagonal(value float64) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		value, 0, 0,
		0, value, 0,
		0, 0, value,
	})
}

// predict advances the state by the control input u, a velocity increment,
// and grows the covariance by the process noise.
func (f *velocityFilter) predict(u *mat.VecDense) {
	f.x.AddVec(f.x, u)
	f.p.Add(f.p, f.q)
}

// correct folds the measurement z into the state following the standard
// innovation / gain / posterior recursion.
func (f *velocityFilter) correct(z *mat.VecDense) error {
	var innovation mat.VecDense
	innovation.SubVec(z, f.x)

	// S = P + R, K = P * S^-1
	var s, sInv, gain mat.Dense
	s.Add(f.p, f.r)
	if err := sInv.Inverse(&s); err != nil {
		return errors.Wrap(err, "innovation covariance is not invertible")
	}
	gain.Mul(f.p, &sInv)

	var correction mat.VecDense
	correction.MulVec(&gain, &innovation)
	f.x.AddVec(f.x, &correction)

	// P = (I - K) * P
	factor := newDiagonal(1)
	factor.Sub(factor, &gain)
	var posterior mat.Dense
	posterior.Mul(factor, f.p)
	f.p.Copy(&posterior)
	return nil
}

// reset reinstalls the zero state and the initial covariance. The noise
// parameters are left alone.
func (f *velocityFilter) reset() {
	f.x.Zero()
	f.p.Copy(newDiagonal(f.initialVariance))
}
