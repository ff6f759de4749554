package registry

import "testing"

func TestValidateServiceDescriptor_MissingRequiredField(t *testing.T) {
	err := ValidateServiceDescriptor([]byte(`{"instance_id":"i1"}`))
	if err == nil {
		t.Fatal("expected error for missing service_name")
	}
}

func TestValidateServiceDescriptor_Valid(t *testing.T) {
	body := []byte(`{"service_name":"stt","instance_id":"i1","capabilities":["speech_to_text"]}`)
	if err := ValidateServiceDescriptor(body); err != nil {
		t.Fatalf("ValidateServiceDescriptor: %v", err)
	}
}

func TestValidateServiceDescriptor_MalformedJSON(t *testing.T) {
	if err := ValidateServiceDescriptor([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestValidateDeviceDescriptor_MissingRequiredField(t *testing.T) {
	if err := ValidateDeviceDescriptor([]byte(`{"device_id":"d1"}`)); err == nil {
		t.Fatal("expected error for missing device_type")
	}
}

func TestValidateDeviceDescriptor_Valid(t *testing.T) {
	body := []byte(`{"device_id":"d1","device_type":"lamp","status":"online"}`)
	if err := ValidateDeviceDescriptor(body); err != nil {
		t.Fatalf("ValidateDeviceDescriptor: %v", err)
	}
}
