// Package webhook serves the CRD conversion webhook that maps HostShadow
// objects between the v1 and v2 schemas.
package webhook

import (
	"encoding/json"
	"fmt"
	"net/http"

	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"

	"updraft.io/updraft/pkg/apis/updates"
	v1 "updraft.io/updraft/pkg/apis/updates/v1"
	v2 "updraft.io/updraft/pkg/apis/updates/v2"
	"updraft.io/updraft/pkg/log"
)

// NewHandler returns the /crdconvert handler. A decodable review that carries
// a request is always answered 200, with conversion failures reported in the
// review response's result, as the conversion protocol requires. A body that
// does not decode, or a review without a request, is answered 400.
func NewHandler(logger log.Logger) http.HandlerFunc {
	logger = logger.WithName("convert")

	return func(w http.ResponseWriter, r *http.Request) {
		var review apiextensionsv1.ConversionReview
		if err := json.NewDecoder(r.Body).Decode(&review); err != nil {
			http.Error(w, fmt.Sprintf("decoding conversion review: %v", err), http.StatusBadRequest)
			return
		}

		if review.Request == nil {
			http.Error(w, "conversion review has no request", http.StatusBadRequest)
			return
		}

		response := convert(review.Request, logger)
		review.Response = response
		review.Request = nil

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(&review); err != nil {
			logger.Error(err, "writing conversion response")
		}
	}
}

func convert(req *apiextensionsv1.ConversionRequest, logger log.Logger) *apiextensionsv1.ConversionResponse {
	response := &apiextensionsv1.ConversionResponse{
		UID:    req.UID,
		Result: metav1.Status{Status: metav1.StatusSuccess},
	}

	converted := make([]runtime.RawExtension, 0, len(req.Objects))

	for _, raw := range req.Objects {
		out, err := convertObject(raw.Raw, req.DesiredAPIVersion)
		if err != nil {
			logger.Error(err, "conversion failed", "desiredAPIVersion", req.DesiredAPIVersion)

			response.Result = metav1.Status{
				Status:  metav1.StatusFailure,
				Message: err.Error(),
			}
			response.ConvertedObjects = nil

			return response
		}

		converted = append(converted, runtime.RawExtension{Raw: out})
	}

	response.ConvertedObjects = converted

	return response
}

func convertObject(raw []byte, desiredAPIVersion string) ([]byte, error) {
	var probe struct {
		APIVersion string `json:"apiVersion"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("reading object apiVersion: %w", err)
	}

	if probe.APIVersion == desiredAPIVersion {
		return raw, nil
	}

	switch {
	case probe.APIVersion == v1.GroupVersion.String() && desiredAPIVersion == v2.GroupVersion.String():
		var in v1.HostShadow
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("decoding v1 HostShadow: %w", err)
		}

		return json.Marshal(updates.V1ToV2(&in))

	case probe.APIVersion == v2.GroupVersion.String() && desiredAPIVersion == v1.GroupVersion.String():
		var in v2.HostShadow
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("decoding v2 HostShadow: %w", err)
		}

		return json.Marshal(updates.V2ToV1(&in))
	}

	return nil, fmt.Errorf("cannot convert %q to %q", probe.APIVersion, desiredAPIVersion)
}
