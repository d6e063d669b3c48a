package crisis

// SelfTestCase is one labelled message in the built-in smoke suite.
type SelfTestCase struct {
	Text          string
	ShouldTrigger bool
}

// SelfTestResult is the outcome for one case.
type SelfTestResult struct {
	Case       SelfTestCase
	Triggered  bool
	Passed     bool
	Assessment Assessment
}

// SelfTestReport aggregates a run of the smoke suite.
type SelfTestReport struct {
	Results []SelfTestResult
	Total   int
	Passed  int
	Failed  int
}

// Accuracy is the pass rate in percent.
func (r SelfTestReport) Accuracy() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Passed) / float64(r.Total) * 100
}

// SelfTestCases is the operator smoke suite: direct statements, obfuscated
// spellings, everyday distress that must stay safe, and idioms.
var SelfTestCases = []SelfTestCase{
	{"I want to kill myself", true},
	{"I want to die", true},
	{"I am going to commit suicide", true},
	{"I can't go on anymore", true},
	{"end my life", true},
	{"better off dead", true},
	{"hurt myself", true},
	{"no point in living", true},

	{"k1ll mys3lf", true},
	{"su1c1de", true},
	{"end m3 l1fe", true},

	{"I feel sad today", false},
	{"I'm having a bad day", false},
	{"I need help with anxiety", false},
	{"I feel overwhelmed", false},
	{"I'm stressed about work", false},

	{"", false},
	{"   ", false},
	{"kill the bugs in my code", false},
	{"this meeting is killing me", false},
}

// RunSelfTest classifies every case with d. A nil detector uses the default.
func RunSelfTest(d *Detector, cases []SelfTestCase) SelfTestReport {
	if d == nil {
		d = defaultDetector
	}
	rep := SelfTestReport{Total: len(cases)}
	for _, c := range cases {
		a := d.Detect(c.Text)
		ok := a.IsEmergency == c.ShouldTrigger
		if ok {
			rep.Passed++
		} else {
			rep.Failed++
		}
		rep.Results = append(rep.Results, SelfTestResult{Case: c, Triggered: a.IsEmergency, Passed: ok, Assessment: a})
	}
	return rep
}
