package snmp

import (
	"context"
	"errors"
	"testing"

	"github.com/gosnmp/gosnmp"

	"ups_failsafe/internal/failsafe"
	"ups_failsafe/internal/models"
)

type fakeClient struct {
	pkt    *gosnmp.SnmpPacket
	err    error
	got    []string
	closed bool
}

func (f *fakeClient) Get(oids []string) (*gosnmp.SnmpPacket, error) {
	f.got = oids
	return f.pkt, f.err
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func pdu(name string, typ gosnmp.Asn1BER, v any) gosnmp.SnmpPDU {
	return gosnmp.SnmpPDU{Name: name, Type: typ, Value: v}
}

func TestDecodeSample(t *testing.T) {
	tests := []struct {
		name    string
		vars    []gosnmp.SnmpPDU
		want    models.PowerSample
		wantErr bool
	}{
		{
			name: "normal with charge",
			vars: []gosnmp.SnmpPDU{
				pdu(OIDOutputSource, gosnmp.Integer, 3),
				pdu(OIDChargeRemaining, gosnmp.Integer, 100),
			},
			want: models.PowerSample{Status: models.StatusNormal, BatteryPercent: 100},
		},
		{
			name: "oid without leading dot",
			vars: []gosnmp.SnmpPDU{
				pdu("1.3.6.1.2.1.33.1.4.1.0", gosnmp.Integer, 5),
				pdu("1.3.6.1.2.1.33.1.2.4.0", gosnmp.Gauge32, uint(64)),
			},
			want: models.PowerSample{Status: models.StatusBattery, BatteryPercent: 64},
		},
		{
			name: "charge not reported",
			vars: []gosnmp.SnmpPDU{
				pdu(OIDOutputSource, gosnmp.Integer, 5),
				pdu(OIDChargeRemaining, gosnmp.NoSuchObject, nil),
			},
			want: models.PowerSample{Status: models.StatusBattery, BatteryPercent: models.BatteryUnknown},
		},
		{
			name: "unknown status code kept",
			vars: []gosnmp.SnmpPDU{pdu(OIDOutputSource, gosnmp.Integer, 42)},
			want: models.PowerSample{Status: 42, BatteryPercent: models.BatteryUnknown},
		},
		{
			name:    "status missing",
			vars:    []gosnmp.SnmpPDU{pdu(OIDChargeRemaining, gosnmp.Integer, 50)},
			wantErr: true,
		},
		{
			name:    "status not an integer",
			vars:    []gosnmp.SnmpPDU{pdu(OIDOutputSource, gosnmp.NoSuchInstance, nil)},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := decodeSample(tc.vars)
			if tc.wantErr {
				if !errors.Is(err, failsafe.ErrTransport) {
					t.Fatalf("expected transport error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestNewSource_Validation(t *testing.T) {
	if _, err := NewSource(Config{}); !errors.Is(err, ErrNoAddress) {
		t.Fatalf("expected ErrNoAddress, got %v", err)
	}
	if _, err := NewSource(Config{Address: "10.0.0.222", Version: "3"}); err == nil {
		t.Fatalf("expected version error")
	}
	s, err := NewSource(Config{Address: "10.0.0.222"})
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	if s.cfg.Port != DefaultPort || s.cfg.Community != DefaultCommunity || s.version != gosnmp.Version2c {
		t.Fatalf("defaults not applied: %+v", s.cfg)
	}
}

func TestSource_Sample(t *testing.T) {
	s, err := NewSource(Config{Address: "10.0.0.222"})
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}

	fc := &fakeClient{pkt: &gosnmp.SnmpPacket{Variables: []gosnmp.SnmpPDU{
		pdu(OIDOutputSource, gosnmp.Integer, 3),
		pdu(OIDChargeRemaining, gosnmp.Integer, 88),
	}}}
	s.dial = func(context.Context) (client, error) { return fc, nil }

	got, err := s.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if got.Status != models.StatusNormal || got.BatteryPercent != 88 {
		t.Fatalf("got %+v", got)
	}
	if len(fc.got) != 2 || !fc.closed {
		t.Fatalf("oids=%v closed=%v", fc.got, fc.closed)
	}

	s.dial = func(context.Context) (client, error) { return &fakeClient{err: errors.New("request timeout")}, nil }
	if _, err := s.Sample(context.Background()); !errors.Is(err, failsafe.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}

	s.dial = func(context.Context) (client, error) { return nil, errors.New("no route") }
	if _, err := s.Sample(context.Background()); !errors.Is(err, failsafe.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}
