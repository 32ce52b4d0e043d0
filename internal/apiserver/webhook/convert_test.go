package webhook

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"

	v1 "updraft.io/updraft/pkg/apis/updates/v1"
	v2 "updraft.io/updraft/pkg/apis/updates/v2"
	"updraft.io/updraft/pkg/log"
)

func postReview(t *testing.T, review *apiextensionsv1.ConversionReview) *apiextensionsv1.ConversionReview {
	t.Helper()

	body, err := json.Marshal(review)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/crdconvert", bytes.NewReader(body))
	recorder := httptest.NewRecorder()

	NewHandler(log.NewNopLogger())(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("webhook returned %d: %s", recorder.Code, recorder.Body.String())
	}

	var out apiextensionsv1.ConversionReview
	if err := json.Unmarshal(recorder.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}

	return &out
}

func TestConvertV1ToV2(t *testing.T) {
	in := &v1.HostShadow{
		TypeMeta: metav1.TypeMeta{
			APIVersion: v1.GroupVersion.String(),
			Kind:       "HostShadow",
		},
		ObjectMeta: metav1.ObjectMeta{Name: "hsh-worker-1", Namespace: "updraft-system"},
		Spec:       v1.HostShadowSpec{State: v1.StatePerformedUpdate, Version: "1.5.2"},
		Status: &v1.HostShadowStatus{
			CurrentState:   v1.StateStagedUpdate,
			CurrentVersion: "1.5.1",
			TargetVersion:  "1.5.2",
		},
	}

	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}

	review := &apiextensionsv1.ConversionReview{
		TypeMeta: metav1.TypeMeta{
			APIVersion: "apiextensions.k8s.io/v1",
			Kind:       "ConversionReview",
		},
		Request: &apiextensionsv1.ConversionRequest{
			UID:               types.UID("test-uid"),
			DesiredAPIVersion: v2.GroupVersion.String(),
			Objects:           []runtime.RawExtension{{Raw: raw}},
		},
	}

	out := postReview(t, review)

	if out.Response == nil {
		t.Fatal("response missing")
	}

	if out.Response.UID != types.UID("test-uid") {
		t.Errorf("response uid = %q, want request uid echoed", out.Response.UID)
	}

	if out.Response.Result.Status != metav1.StatusSuccess {
		t.Fatalf("conversion failed: %+v", out.Response.Result)
	}

	if len(out.Response.ConvertedObjects) != 1 {
		t.Fatalf("converted %d objects, want 1", len(out.Response.ConvertedObjects))
	}

	var converted v2.HostShadow
	if err := json.Unmarshal(out.Response.ConvertedObjects[0].Raw, &converted); err != nil {
		t.Fatalf("decoding converted object: %v", err)
	}

	if converted.APIVersion != v2.GroupVersion.String() {
		t.Errorf("converted apiVersion = %q, want %q", converted.APIVersion, v2.GroupVersion.String())
	}

	if converted.Spec.State != v2.StateStagedAndPerformedUpdate {
		t.Errorf("spec.state = %q, want StagedAndPerformedUpdate", converted.Spec.State)
	}

	if converted.Status.CurrentState != v2.StateStagedAndPerformedUpdate {
		t.Errorf("status.current_state = %q, want StagedAndPerformedUpdate", converted.Status.CurrentState)
	}
}

func TestConvertUnknownVersionFails(t *testing.T) {
	raw := []byte(`{"apiVersion":"updates.updraft.io/v3","kind":"HostShadow"}`)

	review := &apiextensionsv1.ConversionReview{
		TypeMeta: metav1.TypeMeta{
			APIVersion: "apiextensions.k8s.io/v1",
			Kind:       "ConversionReview",
		},
		Request: &apiextensionsv1.ConversionRequest{
			UID:               types.UID("test-uid"),
			DesiredAPIVersion: v2.GroupVersion.String(),
			Objects:           []runtime.RawExtension{{Raw: raw}},
		},
	}

	out := postReview(t, review)

	if out.Response.Result.Status != metav1.StatusFailure {
		t.Fatalf("expected failure result, got %+v", out.Response.Result)
	}
}

func TestConvertSameVersionPassesThrough(t *testing.T) {
	raw := []byte(`{"apiVersion":"` + v2.GroupVersion.String() + `","kind":"HostShadow","spec":{"state":"Idle"}}`)

	review := &apiextensionsv1.ConversionReview{
		TypeMeta: metav1.TypeMeta{
			APIVersion: "apiextensions.k8s.io/v1",
			Kind:       "ConversionReview",
		},
		Request: &apiextensionsv1.ConversionRequest{
			UID:               types.UID("test-uid"),
			DesiredAPIVersion: v2.GroupVersion.String(),
			Objects:           []runtime.RawExtension{{Raw: raw}},
		},
	}

	out := postReview(t, review)

	if out.Response.Result.Status != metav1.StatusSuccess {
		t.Fatalf("conversion failed: %+v", out.Response.Result)
	}

	if !bytes.Equal(out.Response.ConvertedObjects[0].Raw, raw) {
		t.Error("same-version object should pass through unchanged")
	}
}
