/*
Package selenium provides a WebDriver client and the building blocks of a
Selenium Grid.

The client speaks the W3C WebDriver protocol (with a fallback for the legacy
JSON wire protocol) to any remote end: a driver binary started with
NewChromeDriverService or NewGeckoDriverService, a standalone grid, or a hub.
To start a grid, use the selenium-grid command:

	selenium-grid standalone --port 4444

Example usage:

	caps := selenium.Capabilities{"browserName": "firefox"}
	wd, err := selenium.NewRemote(caps, "http://localhost:4444")
	if err != nil {
		return err
	}
	defer wd.Quit()

	if err := wd.Get("https://go.dev/play/"); err != nil {
		return err
	}
	btn, err := wd.FindElement(selenium.ByCSSSelector, "#run")
	if err != nil {
		return err
	}
	return btn.Click()

Input sequences (drag and drop, chorded keys, wheel scrolling) are built with
the actions package and sent with WebDriver.PerformActions.
*/
package selenium
