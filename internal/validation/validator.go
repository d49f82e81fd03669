package validation

import (
	"net/url"

	validatorv10 "github.com/go-playground/validator/v10"
)

// New returns a configured validator with custom struct-level validation registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// return_url must be an absolute http(s) URL; the provider redirects the
	// subject's browser there after the hosted flow.
	v.RegisterStructValidation(startVerificationStructValidation, StartVerificationRequest{})

	return v
}

func startVerificationStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(StartVerificationRequest)

	u, err := url.Parse(req.ReturnURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		sl.ReportError(req.ReturnURL, "return_url", "ReturnURL", "absolute_http_url", "")
	}
}
