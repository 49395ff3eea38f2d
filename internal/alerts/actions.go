package alerts

import "plantwatch/internal/models"

// Direction is the side of the safe range a value fell out of.
type Direction string

const (
	DirectionLow  Direction = "low"
	DirectionHigh Direction = "high"
)

// Corrective actions the device understands
const (
	ActionIncreaseHumidity    = "increase_humidity"
	ActionDecreaseHumidity    = "decrease_humidity"
	ActionIncreaseTemperature = "increase_temperature"
	ActionDecreaseTemperature = "decrease_temperature"
	ActionFeedPlants          = "feed_plants"
	ActionAddWater            = "add_water"
	ActionRefillWater         = "refill_water"
)

type issueKey struct {
	metric    string
	direction Direction
}

// issue -> corrective action
var actionTable = map[issueKey]string{
	{"humidity", DirectionLow}:      ActionIncreaseHumidity,
	{"humidity", DirectionHigh}:     ActionDecreaseHumidity,
	{"temperature", DirectionHigh}:  ActionDecreaseTemperature,
	{"temperature", DirectionLow}:   ActionIncreaseTemperature,
	{"soilnutrients", DirectionLow}: ActionFeedPlants,
	{"soilmoisture", DirectionLow}:  ActionAddWater,
	{"waterlevel", DirectionLow}:    ActionRefillWater,
}

var actionLabels = map[string]string{
	ActionIncreaseHumidity:    "Increase Humidity",
	ActionDecreaseHumidity:    "Decrease Humidity",
	ActionIncreaseTemperature: "Increase Temperature",
	ActionDecreaseTemperature: "Decrease Temperature",
	ActionFeedPlants:          "Feed Plants",
	ActionAddWater:            "Add Water",
	ActionRefillWater:         "Refill Water",
	models.ActionAlarmOn:      "Sound Alarm",
	models.ActionCloseAlarm:   "Close Active Alarms",
}

// ActionFor returns the corrective action for a metric leaving its range in
// the given direction.
func ActionFor(metric string, dir Direction) (string, bool) {
	action, ok := actionTable[issueKey{models.NormalizeMetric(metric), dir}]
	return action, ok
}

// ActionLabel returns the operator-facing label of an action.
func ActionLabel(action string) string {
	if label, ok := actionLabels[action]; ok {
		return label
	}
	return action
}
