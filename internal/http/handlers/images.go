package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"companion/internal/domain"
	"companion/internal/imagegen"
)

type imageGenerateRequest struct {
	AccountID int64  `json:"account_id"`
	Prompt    string `json:"prompt"`
	Operation string `json:"operation,omitempty"`
	Count     int    `json:"count,omitempty"`
}

// ImagesGenerate renders one image, or a batch when count is above one.
// With ?format=zip the images come back as an archive and the accounting
// moves to X-Credits-* headers.
func (a *App) ImagesGenerate(w http.ResponseWriter, r *http.Request) {
	var req imageGenerateRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.AccountID <= 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "account_id required")
		return
	}
	op := domain.OpImage
	switch domain.Operation(req.Operation) {
	case "", domain.OpImage:
	case domain.OpCreateImage:
		op = domain.OpCreateImage
	default:
		a.error(w, http.StatusBadRequest, "bad_request", "unsupported operation")
		return
	}
	order := imagegen.Request{AccountID: req.AccountID, Prompt: req.Prompt, Operation: op}
	asZip := r.URL.Query().Get("format") == "zip"

	if req.Count <= 1 {
		res, err := a.Images.Generate(r.Context(), order)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		if asZip {
			a.archive(w, r, []*imagegen.Image{res.Image}, res.Cost, res.Balance)
			return
		}
		a.json(w, http.StatusOK, res)
		return
	}

	res, err := a.Images.Batch(r.Context(), order, req.Count)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if asZip {
		a.archive(w, r, res.Images, res.Cost-res.Refunded, res.Balance)
		return
	}
	a.json(w, http.StatusOK, res)
}

func (a *App) archive(w http.ResponseWriter, r *http.Request, images []*imagegen.Image, charged, balance int64) {
	data, err := a.Images.Archive(images)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=images-%d.zip", len(images)))
	w.Header().Set("X-Credits-Charged", strconv.FormatInt(charged, 10))
	w.Header().Set("X-Credits-Balance", strconv.FormatInt(balance, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
