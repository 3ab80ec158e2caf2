package analysis

const (
	// DefaultPrompt pre-fills the question box.
	DefaultPrompt = "Descreva esta imagem em detalhes."

	// ModelNotLoadedMessage is returned instead of calling a nil model.
	ModelNotLoadedMessage = "Modelo não foi carregado corretamente."

	analysisFailedPrefix = "Ocorreu um erro durante a análise: "
)

// Image is an uploaded picture that decoded successfully.
type Image struct {
	Filename string
	MIMEType string
	Data     []byte
	Width    int
	Height   int
}

// Result is what the user sees after an analysis. Text is always displayable;
// Err is set when Text describes a failure instead of a model answer.
type Result struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
	Err   error  `json:"-"`
}

// Failed reports whether the result carries an error description.
func (r Result) Failed() bool { return r.Err != nil }

// ErrorString is the cause as text, "" on success.
func (r Result) ErrorString() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// FailureResult formats err the way it is shown to the user.
func FailureResult(model string, err error) Result {
	return Result{Text: analysisFailedPrefix + err.Error(), Model: model, Err: err}
}

// UnloadedResult is the fixed answer for a missing model handle.
func UnloadedResult() Result {
	return Result{Text: ModelNotLoadedMessage, Err: ErrModelUnavailable}
}
