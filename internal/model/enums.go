package model

// Job types
type JobType string

const (
	JobTypeTextToImage     JobType = "text_to_image"
	JobTypeImageToImage    JobType = "image_to_image"
	JobTypeTextToVideo     JobType = "text_to_video"
	JobTypeImageToVideo    JobType = "image_to_video"
	JobTypeTextToAudio     JobType = "text_to_audio"
	JobTypeChangeClothes   JobType = "change_clothes"
	JobTypeChangeFace      JobType = "change_face"
	JobTypeChangeHairStyle JobType = "change_hair_style"
)

var ValidJobTypes = []JobType{
	JobTypeTextToImage, JobTypeImageToImage, JobTypeTextToVideo, JobTypeImageToVideo,
	JobTypeTextToAudio, JobTypeChangeClothes, JobTypeChangeFace, JobTypeChangeHairStyle,
}

// IsVideo reports whether the type renders a video clip.
func (t JobType) IsVideo() bool {
	return t == JobTypeTextToVideo || t == JobTypeImageToVideo
}

// Job status
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusSuccess JobStatus = "success"
	JobStatusFailed  JobStatus = "failed"
)

// IsTerminal reports whether no further transition is expected without a retry.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusSuccess, JobStatusFailed:
		return true
	}
	return false
}

// Engine status values reported by the rendering engine
type EngineState string

const (
	EngineStatePending EngineState = "pending"
	EngineStateDone    EngineState = "done"
	EngineStateError   EngineState = "error"
)

var jobTypeNames = map[JobType]string{
	JobTypeTextToImage:     "Text to image",
	JobTypeImageToImage:    "Image to image",
	JobTypeTextToVideo:     "Text to video",
	JobTypeImageToVideo:    "Image to video",
	JobTypeTextToAudio:     "Text to audio",
	JobTypeChangeClothes:   "Change clothes",
	JobTypeChangeFace:      "Change face",
	JobTypeChangeHairStyle: "Change hair style",
}

// DisplayName returns a human readable name for notifications.
func (t JobType) DisplayName() string {
	if name, ok := jobTypeNames[t]; ok {
		return name
	}
	return string(t)
}
