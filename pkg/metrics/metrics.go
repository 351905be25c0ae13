package metrics

/*
Labels and so on for metrics used in relay.
*/

const (
	LabelMethod  = "method"
	LabelRoute   = "route"
	LabelSuccess = "success"

	// Labels for pipeline metrics
	LabelStage    = "stage"
	LabelPipeline = "pipeline"
	LabelState    = "state"

	// Labels for registry and target metrics
	LabelOperation = "operation"
	LabelMetric    = "metric"
	LabelPolicy    = "policy"
)
