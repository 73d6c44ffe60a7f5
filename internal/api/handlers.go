package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/medidesk/clinic-scheduling/internal/scheduling"
)

// callerFromRequest reads the identity the authenticating proxy resolved
// upstream. Requests without it never reach the scheduling core.
func callerFromRequest(r *http.Request) (scheduling.Caller, error) {
	idStr := r.Header.Get("X-User-ID")
	roleStr := r.Header.Get("X-User-Role")
	if idStr == "" || roleStr == "" {
		return scheduling.Caller{}, fmt.Errorf("missing caller identity")
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return scheduling.Caller{}, fmt.Errorf("X-User-ID must be a valid UUID")
	}

	role := scheduling.Role(roleStr)
	if !role.Valid() {
		return scheduling.Caller{}, fmt.Errorf("unknown role %q", roleStr)
	}

	return scheduling.Caller{ID: id, Role: role}, nil
}

func withCaller(next func(w http.ResponseWriter, r *http.Request, caller scheduling.Caller)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := callerFromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "missing_caller_identity", err.Error())
			return
		}
		next(w, r, caller)
	}
}

func createAppointmentHandler(svc *scheduling.Service) http.HandlerFunc {
	return withCaller(func(w http.ResponseWriter, r *http.Request, caller scheduling.Caller) {
		var req CreateAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patientId must be a valid UUID")
			return
		}
		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctorId must be a valid UUID")
			return
		}

		day, err := scheduling.ParseDate(req.AppointmentDate)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		start, err := scheduling.ParseClockTime(req.StartTime)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		end, err := scheduling.ParseClockTime(req.EndTime)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		appt, err := svc.CreateAppointment(r.Context(), scheduling.CreateParams{
			PatientID: patientID,
			DoctorID:  doctorID,
			Day:       day,
			Start:     start,
			End:       end,
			Reason:    req.Reason,
			Notes:     req.Notes,
			Mode:      scheduling.Mode(req.Mode),
		}, caller)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	})
}

func getAppointmentHandler(svc *scheduling.Service) http.HandlerFunc {
	return withCaller(func(w http.ResponseWriter, r *http.Request, caller scheduling.Caller) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		appt, err := svc.GetAppointment(r.Context(), id, caller)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	})
}

func listAppointmentsHandler(svc *scheduling.Service) http.HandlerFunc {
	return withCaller(func(w http.ResponseWriter, r *http.Request, caller scheduling.Caller) {
		limit := queryInt(r, "limit", 20)
		offset := queryInt(r, "offset", 0)

		var (
			appts []scheduling.Appointment
			err   error
		)

		switch {
		case r.URL.Query().Get("patientId") != "":
			var patientID uuid.UUID
			patientID, err = uuid.Parse(r.URL.Query().Get("patientId"))
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_patient_id", "patientId must be a valid UUID")
				return
			}
			appts, err = svc.ListByPatient(r.Context(), patientID, limit, offset, caller)
		case r.URL.Query().Get("doctorId") != "":
			var doctorID uuid.UUID
			doctorID, err = uuid.Parse(r.URL.Query().Get("doctorId"))
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctorId must be a valid UUID")
				return
			}
			appts, err = svc.ListByDoctor(r.Context(), doctorID, limit, offset, caller)
		default:
			// patients default to their own list; everyone else must filter
			if caller.Role == scheduling.RolePatient {
				appts, err = svc.ListByPatient(r.Context(), caller.ID, limit, offset, caller)
			} else {
				writeError(w, http.StatusBadRequest, "missing_filter", "patientId or doctorId query parameter is required")
				return
			}
		}
		if err != nil {
			writeServiceError(w, err)
			return
		}

		resp := make([]AppointmentResponse, 0, len(appts))
		for i := range appts {
			resp = append(resp, toAppointmentResponse(&appts[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

func updateAppointmentHandler(svc *scheduling.Service) http.HandlerFunc {
	return withCaller(func(w http.ResponseWriter, r *http.Request, caller scheduling.Caller) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		var req UpdateAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		patch, err := patchFromRequest(req)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		appt, err := svc.UpdateAppointment(r.Context(), id, patch, caller)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	})
}

func patchFromRequest(req UpdateAppointmentRequest) (scheduling.Patch, error) {
	var patch scheduling.Patch

	if req.DoctorID != nil {
		id, err := uuid.Parse(*req.DoctorID)
		if err != nil {
			return patch, fmt.Errorf("%w: doctorId must be a valid UUID", scheduling.ErrInvalidInput)
		}
		patch.DoctorID = &id
	}
	if req.AppointmentDate != nil {
		day, err := scheduling.ParseDate(*req.AppointmentDate)
		if err != nil {
			return patch, err
		}
		patch.Day = &day
	}
	if req.StartTime != nil {
		start, err := scheduling.ParseClockTime(*req.StartTime)
		if err != nil {
			return patch, err
		}
		patch.Start = &start
	}
	if req.EndTime != nil {
		end, err := scheduling.ParseClockTime(*req.EndTime)
		if err != nil {
			return patch, err
		}
		patch.End = &end
	}
	patch.Reason = req.Reason
	patch.Notes = req.Notes
	if req.Mode != nil {
		mode := scheduling.Mode(*req.Mode)
		patch.Mode = &mode
	}
	if req.Status != nil {
		status := scheduling.Status(*req.Status)
		patch.Status = &status
	}

	return patch, nil
}

func transitionHandler(svc *scheduling.Service, to scheduling.Status) http.HandlerFunc {
	return withCaller(func(w http.ResponseWriter, r *http.Request, caller scheduling.Caller) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		appt, err := svc.Transition(r.Context(), id, to, caller)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	})
}

func cancelAppointmentHandler(svc *scheduling.Service) http.HandlerFunc {
	return withCaller(func(w http.ResponseWriter, r *http.Request, caller scheduling.Caller) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		var req CancelAppointmentRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
				return
			}
		}

		if err := svc.CancelAppointment(r.Context(), id, req.Reason, caller); err != nil {
			writeServiceError(w, err)
			return
		}

		appt, err := svc.GetAppointment(r.Context(), id, caller)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	})
}

func deleteAppointmentHandler(svc *scheduling.Service) http.HandlerFunc {
	return withCaller(func(w http.ResponseWriter, r *http.Request, caller scheduling.Caller) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		if err := svc.DeleteAppointment(r.Context(), id, caller); err != nil {
			writeServiceError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})
}

func getSlotsHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, day, ok := parseDoctorDayParams(w, r)
		if !ok {
			return
		}

		slots, err := svc.Slots(r.Context(), doctorID, day)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toSlotPayloads(slots))
	}
}

func setAvailabilityHandler(svc *scheduling.Service) http.HandlerFunc {
	return withCaller(func(w http.ResponseWriter, r *http.Request, caller scheduling.Caller) {
		doctorID, day, ok := parseDoctorDayParams(w, r)
		if !ok {
			return
		}

		var req SetAvailabilityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		slots := make([]scheduling.TimeSlot, 0, len(req.TimeSlots))
		for _, s := range req.TimeSlots {
			start, err := scheduling.ParseClockTime(s.StartTime)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			end, err := scheduling.ParseClockTime(s.EndTime)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			slots = append(slots, scheduling.TimeSlot{Start: start, End: end, Booked: s.IsBooked})
		}

		if err := svc.SetAvailability(r.Context(), doctorID, day, slots, caller); err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toSlotPayloads(slots))
	})
}

func parseIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func parseDoctorDayParams(w http.ResponseWriter, r *http.Request) (uuid.UUID, scheduling.Date, bool) {
	doctorID, err := uuid.Parse(chi.URLParam(r, "doctorID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctorID must be a valid UUID")
		return uuid.Nil, scheduling.Date{}, false
	}

	day, err := scheduling.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		writeServiceError(w, err)
		return uuid.Nil, scheduling.Date{}, false
	}

	return doctorID, day, true
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
