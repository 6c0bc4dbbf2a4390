package model

// TopPrediction is one entry of the ranked class list.
type TopPrediction struct {
	Disease    string  `json:"disease"`
	Confidence float64 `json:"confidence"`
}

// Result is the JSON-serializable outcome of one Predict call. On
// failure only Success and Error are populated.
type Result struct {
	Success        bool            `json:"success"`
	Disease        string          `json:"disease,omitempty"`
	Confidence     float64         `json:"confidence,omitempty"`
	Method         string          `json:"method,omitempty"`
	ModelName      string          `json:"model_name,omitempty"`
	TopPredictions []TopPrediction `json:"top_predictions,omitempty"`
	GradCAMImage   string          `json:"gradcam_image,omitempty"`
	Error          string          `json:"error,omitempty"`
}

func failure(msg string) *Result {
	return &Result{Success: false, Error: msg}
}
