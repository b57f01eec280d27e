package api

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/flowpbx/corepbx/internal/database/models"
	"github.com/go-chi/chi/v5"
)

// registeredPhoneResponse is the JSON shape for a single live registration.
type registeredPhoneResponse struct {
	Extension  string `json:"extension"`
	Contact    string `json:"contact"`
	MAC        string `json:"mac,omitempty"`
	UserAgent  string `json:"user_agent"`
	FirstSeen  string `json:"first_seen"`
	LastSeen   string `json:"last_seen"`
	MACSource  string `json:"mac_source,omitempty"`
	Vendor     string `json:"vendor,omitempty"`
	Model      string `json:"model,omitempty"`
}

func toRegisteredPhoneResponse(p models.RegisteredPhone) registeredPhoneResponse {
	return registeredPhoneResponse{
		Extension: p.Extension,
		Contact:   p.ContactURI,
		MAC:       p.MAC,
		UserAgent: p.UserAgent,
		FirstSeen: p.FirstRegistered.Format(time.RFC3339),
		LastSeen:  p.LastRegistered.Format(time.RFC3339),
	}
}

// handleListRegisteredPhones returns every live SIP registration binding.
func (s *Server) handleListRegisteredPhones(w http.ResponseWriter, r *http.Request) {
	phones, err := s.phones.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]registeredPhoneResponse, 0, len(phones))
	for _, p := range phones {
		items = append(items, toRegisteredPhoneResponse(p))
	}
	writeJSON(w, http.StatusOK, items)
}

// handleListRegisteredPhonesWithMAC returns registrations joined with
// provisioned-device records on extension, reporting whether the MAC came
// from the SIP registration itself or from the provisioning inventory.
func (s *Server) handleListRegisteredPhonesWithMAC(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	phones, err := s.phones.List(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]registeredPhoneResponse, 0, len(phones))
	for _, p := range phones {
		resp := toRegisteredPhoneResponse(p)

		if p.MAC != "" {
			resp.MACSource = "sip_registration"
		}

		devices, err := s.provisionedDevices.ListByExtension(ctx, p.Extension)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if len(devices) > 0 {
			dev := devices[0]
			resp.Vendor = dev.Vendor
			resp.Model = dev.Model
			if resp.MAC == "" {
				resp.MAC = dev.MAC
				resp.MACSource = "provisioning"
			}
		}

		items = append(items, resp)
	}
	writeJSON(w, http.StatusOK, items)
}

// phoneLookupResponse merges the registration and provisioning views of a
// single device, correlated by MAC address or source IP.
type phoneLookupResponse struct {
	Query        string                     `json:"query"`
	Registration *registeredPhoneResponse   `json:"registration,omitempty"`
	Provisioned  *provisionedDeviceResponse `json:"provisioned,omitempty"`
}

// handlePhoneLookup correlates a MAC address or IP against both the live
// registration table and the provisioned-device inventory.
func (s *Server) handlePhoneLookup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "macOrIP")
	if key == "" {
		writeError(w, http.StatusBadRequest, "mac or ip required")
		return
	}

	resp := phoneLookupResponse{Query: key}

	if ip := net.ParseIP(key); ip != nil {
		matches, err := s.phones.GetByIP(ctx, key)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if len(matches) > 0 {
			p := toRegisteredPhoneResponse(matches[0])
			resp.Registration = &p

			if matches[0].MAC != "" {
				dev, err := s.provisionedDevices.GetByMAC(ctx, matches[0].MAC)
				if err != nil {
					writeError(w, http.StatusInternalServerError, "internal error")
					return
				}
				if dev != nil {
					pd := s.toProvisionedDeviceResponse(dev)
					resp.Provisioned = &pd
				}
			}
		}
	} else {
		mac := normalizeMAC(key)

		if p, err := s.phones.GetByMAC(ctx, mac); err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		} else if p != nil {
			pr := toRegisteredPhoneResponse(*p)
			resp.Registration = &pr
		}

		dev, err := s.provisionedDevices.GetByMAC(ctx, mac)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if dev != nil {
			pd := s.toProvisionedDeviceResponse(dev)
			resp.Provisioned = &pd
		}
	}

	if resp.Registration == nil && resp.Provisioned == nil {
		writeError(w, http.StatusNotFound, "no matching phone found")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// normalizeMAC strips common separators and lowercases a MAC address string,
// matching the normalization provisioned_devices.mac is stored under.
func normalizeMAC(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer(":", "", "-", "", ".", "").Replace(s)
	return s
}
