package models

// FlowRate converts a rotation speed to a volumetric flow in mL/min
// using the tube's calibration constant.
func FlowRate(rpm, mlPerRev float64) float64 {
	return rpm * mlPerRev
}

// DispenseSeconds estimates how long dispensing volumeML takes at the
// given speed. Returns 0 when the calibration or speed is unusable.
func DispenseSeconds(volumeML, mlPerRev, rpm float64) float64 {
	if mlPerRev <= 0 || rpm <= 0 {
		return 0
	}
	revolutions := volumeML / mlPerRev
	minutes := revolutions / rpm
	return minutes * 60
}
