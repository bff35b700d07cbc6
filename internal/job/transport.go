package job

import "github.com/enrichhq/enrich-api/internal/apperror"

type ItemSpec struct {
	ID        string `json:"id,omitempty"`
	SourceRef string `json:"sourceRef"`
}

type CreateOrAttachRequest struct {
	CallerID    string     `json:"userId"`
	OrgIdentity string     `json:"orgIdentity,omitempty"`
	Items       []ItemSpec `json:"items"`
}

func (r CreateOrAttachRequest) Validate() *apperror.AppError {
	if r.CallerID == "" {
		return apperror.New(apperror.BadRequest, "userId is required")
	}
	if len(r.Items) == 0 {
		return apperror.New(apperror.BadRequest, "at least one item is required")
	}
	for _, it := range r.Items {
		if it.SourceRef == "" {
			return apperror.New(apperror.BadRequest, "item sourceRef is required")
		}
	}
	return nil
}

type GetJobRequest struct {
	ID string
}

func (r GetJobRequest) Validate() *apperror.AppError {
	if r.ID == "" {
		return apperror.New(apperror.BadRequest, "invalid job id")
	}
	return nil
}
