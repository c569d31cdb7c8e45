package models

import "strconv"

// PowerStatus mirrors the UPS-MIB upsOutputSource codes reported by the device.
type PowerStatus int

const (
	StatusOther   PowerStatus = 1
	StatusNone    PowerStatus = 2
	StatusNormal  PowerStatus = 3
	StatusBypass  PowerStatus = 4
	StatusBattery PowerStatus = 5
	StatusBooster PowerStatus = 6
	StatusReducer PowerStatus = 7
)

var statusNames = map[PowerStatus]string{
	StatusOther:   "Other",
	StatusNone:    "None",
	StatusNormal:  "Normal",
	StatusBypass:  "Bypass",
	StatusBattery: "Battery",
	StatusBooster: "Booster",
	StatusReducer: "Reducer",
}

// String returns the device name of the code, or Unknown(n) for codes outside the MIB.
func (s PowerStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "Unknown(" + strconv.Itoa(int(s)) + ")"
}

// BatteryUnknown marks a sample whose device did not report the charge level.
const BatteryUnknown = -1

// PowerSample is a single poll result. It is not retained past one evaluation.
type PowerSample struct {
	Status         PowerStatus `json:"status"`
	BatteryPercent int         `json:"battery_percent"` // 0..100, BatteryUnknown when unreported
}

// BatteryLabel renders the charge level for humans.
func (p PowerSample) BatteryLabel() string {
	if p.BatteryPercent < 0 || p.BatteryPercent > 100 {
		return "unknown"
	}
	return strconv.Itoa(p.BatteryPercent) + "%"
}
